package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/rebates/internal/fx"
)

// ExitGaps is returned by fx validate when coverage gaps exist.
const ExitGaps = 10

// FXValidateOptions defines available flags for the fx-validate command.
type FXValidateOptions struct {
	Currencies []string
	From       string
	To         string
	MaxAge     time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx-validate.
type FXValidateSummary struct {
	OK        bool      `json:"ok"`
	Reference string    `json:"reference"`
	Checked   int       `json:"checked"`
	Gaps      []fx.Gap  `json:"gaps"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// ValidateCommand executes the fx validate workflow and prints the outcome.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	from, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.From))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: invalid --from %q (expected YYYY-MM-DD)\n", opts.From)
		return 1
	}
	to := from
	if strings.TrimSpace(opts.To) != "" {
		if to, err = time.Parse(time.DateOnly, strings.TrimSpace(opts.To)); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: invalid --to %q (expected YYYY-MM-DD)\n", opts.To)
			return 1
		}
	}
	currencies := opts.Currencies
	if len(currencies) == 0 {
		currencies = []string{c.policy.LocalCurrency}
	}
	result, err := fx.Validate(ctx, c.table, c.policy, currencies, from, to, opts.MaxAge)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		summary := FXValidateSummary{
			OK:        len(result.Gaps) == 0,
			Reference: c.policy.ReferenceCurrency,
			Checked:   result.Checked,
			Gaps:      result.Gaps,
			From:      result.From,
			To:        result.To,
		}
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		c.renderHuman(opts.Stdout, result)
	}
	if len(result.Gaps) > 0 {
		return ExitGaps
	}
	return 0
}

func (c *FXOpsCLI) renderHuman(out io.Writer, result fx.Result) {
	_, _ = fmt.Fprintf(out, "FX validation against %s from %s to %s\n",
		c.policy.ReferenceCurrency, result.From.Format(time.DateOnly), result.To.Format(time.DateOnly))
	if len(result.Gaps) == 0 {
		_, _ = fmt.Fprintf(out, "All %d currency-days have a usable rate.\n", result.Checked)
		return
	}
	_, _ = fmt.Fprintf(out, "%d gap(s) detected in %d currency-days:\n", len(result.Gaps), result.Checked)
	for _, gap := range result.Gaps {
		line := fmt.Sprintf(" - %s %s %s", gap.Currency, gap.Date.Format(time.DateOnly), gap.Reason)
		if gap.LastQuote != nil {
			line += " (last quote " + gap.LastQuote.Format(time.DateOnly) + ")"
		}
		_, _ = fmt.Fprintln(out, line)
	}
}

// SplitList splits a comma separated flag value.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
