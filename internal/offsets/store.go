package offsets

import (
	"context"
	"time"

	"github.com/odyssey-erp/rebates/internal/sales"
)

// ConsumptionFilter narrows ListConsumption. After is the restart cursor.
type ConsumptionFilter struct {
	Channel     sales.Channel
	From        time.Time
	To          time.Time
	OnlyGranted bool
	After       sales.Key
	Limit       int
}

// Definitions reads and writes offset and group definitions.
type Definitions interface {
	GetOffset(ctx context.Context, id int64) (Offset, error)
	GetGroup(ctx context.Context, id int64) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ListTargets(ctx context.Context, activeOn time.Time) ([]Target, error)
	InsertOffset(ctx context.Context, off Offset) (Offset, error)
	InsertGroup(ctx context.Context, g Group) (Group, error)
	InsertGroupFilter(ctx context.Context, f GroupFilter) (GroupFilter, error)
}

// Store is the persistence port of the engine.
type Store interface {
	Definitions
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	LoadSummary(ctx context.Context, target Target) (Summary, error)
	HasRecord(ctx context.Context, target Target, transactionID string) (bool, error)
	ListConsumption(ctx context.Context, target Target, filter ConsumptionFilter) ([]ConsumptionRecord, error)
	MemberTotals(ctx context.Context, groupID int64) (map[int64]Totals, error)
	TargetsForSale(ctx context.Context, transactionID string) ([]Target, error)
}

// Tx exposes the ledger operations that must commit together.
type Tx interface {
	// InsertRecord reports false when the key is already ledgered.
	InsertRecord(ctx context.Context, rec ConsumptionRecord) (bool, error)
	// LoadSummaryForUpdate locks and returns the summary, empty when absent.
	LoadSummaryForUpdate(ctx context.Context, target Target) (Summary, error)
	SaveSummary(ctx context.Context, s Summary) error
	// RecordsAfter returns records with key strictly after the cursor, ascending.
	RecordsAfter(ctx context.Context, target Target, after sales.Key) ([]ConsumptionRecord, error)
	DeleteSale(ctx context.Context, transactionID string) ([]Target, error)
	DeleteFrom(ctx context.Context, target Target, from time.Time) (int64, error)
	MemberTotals(ctx context.Context, groupID int64) (map[int64]Totals, error)
	SyncOffsetTotals(ctx context.Context, offsetID int64, totals Totals) error
}
