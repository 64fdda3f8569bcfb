package offsets

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecordOutcome is the result of an idempotent ledger insert.
type RecordOutcome string

const (
	Inserted       RecordOutcome = "inserted"
	AlreadyPresent RecordOutcome = "already_present"
)

// Ledger writes consumption records and folds them into the summary in the
// same transaction.
type Ledger struct {
	store   Store
	retries int
	backoff time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// NewLedger builds a ledger that retries failed writes retries times.
func NewLedger(store Store, retries int, backoff time.Duration) *Ledger {
	if retries < 0 {
		retries = 0
	}
	return &Ledger{store: store, retries: retries, backoff: backoff, now: time.Now, sleep: sleepContext}
}

// Record inserts rec unless its key is already ledgered and returns the
// committed summary of the target.
func (l *Ledger) Record(ctx context.Context, rec ConsumptionRecord, caps Caps) (RecordOutcome, Summary, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			if err := l.sleep(ctx, l.backoff*time.Duration(attempt)); err != nil {
				return "", Summary{}, err
			}
		}
		outcome, summary, err := l.record(ctx, rec, caps)
		if err == nil {
			return outcome, summary, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", Summary{}, err
		}
		lastErr = err
	}
	return "", Summary{}, fmt.Errorf("%w: %s %s: %w", ErrLedgerWriteFailure, rec.Target, rec.TransactionID, lastErr)
}

func (l *Ledger) record(ctx context.Context, rec ConsumptionRecord, caps Caps) (RecordOutcome, Summary, error) {
	outcome := AlreadyPresent
	var summary Summary
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = l.now().UTC()
		}
		inserted, err := tx.InsertRecord(ctx, rec)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		summary, err = tx.LoadSummaryForUpdate(ctx, rec.Target)
		if err != nil {
			return fmt.Errorf("load summary: %w", err)
		}
		if !inserted {
			return nil
		}
		outcome = Inserted
		summary = Fold(summary, rec, caps)
		summary.UpdatedAt = l.now().UTC()
		if err := tx.SaveSummary(ctx, summary); err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", Summary{}, err
	}
	return outcome, summary, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
