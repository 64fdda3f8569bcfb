package jobs

import (
	"encoding/json"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rebates/internal/offsets"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecompute runs a recompute pass for one target or for all targets.
	TaskRecompute = "offsets:recompute"
	// TaskVoidSale removes a voided sale from every ledger.
	TaskVoidSale = "offsets:void_sale"

	// TargetAll selects every active target.
	TargetAll = "all"
)

// RecomputePayload configures the scope of a recompute task.
type RecomputePayload struct {
	Target string       `json:"target"`
	Mode   offsets.Mode `json:"mode"`
}

// VoidSalePayload names the voided sale.
type VoidSalePayload struct {
	TransactionID string `json:"transaction_id"`
}

// NewRecomputeTask constructs an Asynq task for a recompute pass.
func NewRecomputeTask(target string, mode offsets.Mode) (*asynq.Task, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		target = TargetAll
	}
	if mode == "" {
		mode = offsets.ModeIncremental
	}
	body, err := json.Marshal(RecomputePayload{Target: target, Mode: mode})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecompute, body, asynq.Queue(QueueDefault)), nil
}

// NewVoidSaleTask constructs an Asynq task for a voided sale.
func NewVoidSaleTask(transactionID string) (*asynq.Task, error) {
	body, err := json.Marshal(VoidSalePayload{TransactionID: strings.TrimSpace(transactionID)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVoidSale, body, asynq.Queue(QueueDefault)), nil
}
