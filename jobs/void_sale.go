package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/rebates/internal/jobs"
	"github.com/odyssey-erp/rebates/internal/offsets"
	"github.com/odyssey-erp/rebates/internal/shared"
)

const voidSaleModule = "offsets.void_sale"

// VoidService removes a sale from every ledger it appears in.
type VoidService interface {
	VoidSale(ctx context.Context, transactionID string) ([]offsets.Summary, error)
}

// Deduper records processed notifications.
type Deduper interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// VoidSaleJob applies upstream void notifications.
type VoidSaleJob struct {
	Service VoidService
	Dedupe  Deduper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewVoidSaleJob constructs the job handler. dedupe may be nil.
func NewVoidSaleJob(service VoidService, dedupe Deduper, logger *slog.Logger, metrics *jobmetrics.Metrics) *VoidSaleJob {
	return &VoidSaleJob{Service: service, Dedupe: dedupe, Logger: logger, Metrics: metrics}
}

// Handle executes one void-sale task.
func (j *VoidSaleJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("void sale: dependencies not configured")
	}
	var payload VoidSalePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("void sale: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	txID := strings.TrimSpace(payload.TransactionID)
	if txID == "" {
		return fmt.Errorf("void sale: transaction id required: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskVoidSale)
	if j.Dedupe != nil {
		if err := j.Dedupe.CheckAndInsert(ctx, txID, voidSaleModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				j.log().Info("void already applied", slog.String("transaction_id", txID))
				return tracker.End(nil)
			}
			return tracker.End(err)
		}
	}

	summaries, err := j.Service.VoidSale(ctx, txID)
	if err != nil {
		if j.Dedupe != nil {
			if derr := j.Dedupe.Delete(ctx, txID, voidSaleModule); derr != nil {
				j.log().Warn("release dedupe key", slog.String("transaction_id", txID), slog.Any("error", derr))
			}
		}
		j.log().Error("void sale", slog.String("transaction_id", txID), slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("sale voided", slog.String("transaction_id", txID), slog.Int("targets", len(summaries)))
	return tracker.End(nil)
}

func (j *VoidSaleJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *VoidSaleJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskVoidSale))
	}
	return slog.Default().With(slog.String("job", TaskVoidSale))
}
