package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/rebates/internal/jobs"
	"github.com/odyssey-erp/rebates/internal/offsets"
)

// RecomputeService describes the engine operations the recompute job drives.
type RecomputeService interface {
	TriggerRecompute(ctx context.Context, target offsets.Target, mode offsets.Mode) (offsets.PassResult, error)
	RecomputeAll(ctx context.Context, mode offsets.Mode, concurrency int) ([]offsets.PassResult, error)
}

// RecomputeJob runs scheduled and on-demand recompute passes.
type RecomputeJob struct {
	Service     RecomputeService
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewRecomputeJob constructs the job handler.
func NewRecomputeJob(service RecomputeService, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecomputeJob {
	return &RecomputeJob{Service: service, Concurrency: concurrency, Logger: logger, Metrics: metrics}
}

// Handle executes one recompute task.
func (j *RecomputeJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("recompute: dependencies not configured")
	}
	var payload RecomputePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("recompute: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	mode, err := offsets.ParseMode(string(payload.Mode))
	if err != nil {
		return fmt.Errorf("recompute: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskRecompute)
	if payload.Target == "" || payload.Target == TargetAll {
		return tracker.End(j.runAll(ctx, mode))
	}
	target, err := offsets.ParseTarget(payload.Target)
	if err != nil {
		return tracker.End(fmt.Errorf("recompute: %v: %w", err, asynq.SkipRetry))
	}
	return tracker.End(j.runOne(ctx, target, mode))
}

func (j *RecomputeJob) runOne(ctx context.Context, target offsets.Target, mode offsets.Mode) error {
	res, err := j.Service.TriggerRecompute(ctx, target, mode)
	switch {
	case err == nil:
		j.log().Info("recompute finished",
			slog.String("target", target.String()),
			slog.String("mode", string(mode)),
			slog.Int("recorded", res.Recorded),
			slog.Int("granted", res.Granted),
			slog.Duration("duration", res.Duration))
		return nil
	case errors.Is(err, offsets.ErrConcurrentRecompute):
		// Retried by asynq once the running pass releases the target.
		j.log().Warn("recompute deferred", slog.String("target", target.String()), slog.Any("error", err))
		return err
	case errors.Is(err, offsets.ErrOffsetNotFound), errors.Is(err, offsets.ErrGroupNotFound),
		errors.Is(err, offsets.ErrGroupMemberOffset):
		return fmt.Errorf("recompute %s: %v: %w", target, err, asynq.SkipRetry)
	default:
		j.log().Error("recompute failed", slog.String("target", target.String()), slog.String("failed_state", string(res.FailedState)), slog.Any("error", err))
		return err
	}
}

func (j *RecomputeJob) runAll(ctx context.Context, mode offsets.Mode) error {
	start := time.Now()
	results, err := j.Service.RecomputeAll(ctx, mode, j.Concurrency)
	if err != nil && len(results) == 0 {
		j.log().Error("recompute all", slog.Any("error", err))
		return err
	}
	failed := 0
	for _, res := range results {
		if res.Error == "" {
			continue
		}
		failed++
		j.log().Warn("target pass failed",
			slog.String("target", res.Target.String()),
			slog.String("failed_state", string(res.FailedState)),
			slog.String("error", res.Error))
	}
	j.log().Info("recompute all finished",
		slog.String("mode", string(mode)),
		slog.Int("targets", len(results)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)))
	return err
}

func (j *RecomputeJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RecomputeJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRecompute))
	}
	return slog.Default().With(slog.String("job", TaskRecompute))
}
