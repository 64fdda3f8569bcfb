package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/rebates/internal/offsets"
)

// Recomputer runs passes inline.
type Recomputer interface {
	TriggerRecompute(ctx context.Context, target offsets.Target, mode offsets.Mode) (offsets.PassResult, error)
	RecomputeAll(ctx context.Context, mode offsets.Mode, concurrency int) ([]offsets.PassResult, error)
}

// RecomputeOptions defines available flags for the recompute command.
type RecomputeOptions struct {
	Target      string
	Mode        string
	Concurrency int
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// RecomputeCommand runs one pass, or every active target when Target is
// "all", and prints the results. It returns 1 when any pass failed.
func RecomputeCommand(ctx context.Context, svc Recomputer, opts RecomputeOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	mode, err := offsets.ParseMode(opts.Mode)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "recompute: %v\n", err)
		return 1
	}

	var results []offsets.PassResult
	raw := strings.TrimSpace(opts.Target)
	switch raw {
	case "":
		_, _ = fmt.Fprintln(opts.Stderr, "recompute: --target is required (all, offset:<id> or group:<id>)")
		return 1
	case "all":
		results, err = svc.RecomputeAll(ctx, mode, opts.Concurrency)
	default:
		target, perr := offsets.ParseTarget(raw)
		if perr != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "recompute: %v\n", perr)
			return 1
		}
		var res offsets.PassResult
		res, err = svc.TriggerRecompute(ctx, target, mode)
		if res.Target == (offsets.Target{}) {
			res.Target = target
		}
		if res.Error == "" && err != nil {
			res.Error = err.Error()
		}
		results = []offsets.PassResult{res}
	}

	if opts.JSONOutput {
		if encErr := json.NewEncoder(opts.Stdout).Encode(results); encErr != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "recompute: encode json: %v\n", encErr)
			return 1
		}
	} else {
		renderPasses(opts.Stdout, results)
	}

	failed := err != nil
	for _, res := range results {
		if res.Error != "" {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}

func renderPasses(out io.Writer, results []offsets.PassResult) {
	for _, res := range results {
		if res.Error != "" {
			_, _ = fmt.Fprintf(out, "%s FAILED", res.Target)
			if res.FailedState != "" {
				_, _ = fmt.Fprintf(out, " in %s", res.FailedState)
			}
			_, _ = fmt.Fprintf(out, ": %s\n", res.Error)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s %s: fetched=%d recorded=%d granted=%d units=%s local=%s ref=%s limit=%s (%s)\n",
			res.Target, res.Mode, res.Fetched, res.Recorded, res.Granted,
			res.GrantedUnits, res.GrantedLocal, res.GrantedRef, res.LimitReached, res.Duration)
		if skipped := res.SkippedCatalog + res.SkippedRate + res.Late; skipped > 0 {
			_, _ = fmt.Fprintf(out, "  skipped: catalog=%d rate=%d late=%d\n", res.SkippedCatalog, res.SkippedRate, res.Late)
		}
	}
}
