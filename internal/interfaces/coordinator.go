package interfaces

import "vanilla-trader/internal/types"

// CoordinatorState is the coarse lifecycle of the trading coordinator.
type CoordinatorState string

const (
	StateIdle         CoordinatorState = "IDLE"
	StateInitializing CoordinatorState = "INITIALIZING"
	StateReady        CoordinatorState = "READY"
)

// StatusSnapshot is a point-in-time view of coordinator state for the
// presentation adapter.
type StatusSnapshot struct {
	State         CoordinatorState `json:"state"`
	Trading       bool             `json:"trading"`
	Cash          int64            `json:"cash"`
	PositionCount int              `json:"position_count"`
	PendingCount  int              `json:"pending_count"`
	RejectedCount int              `json:"rejected_count"`
	ConditionSeq  string           `json:"condition_seq"`
	Strategy      string           `json:"strategy"`
	StopLossRate  float64          `json:"stop_loss_rate"`
	ProfitCutRate float64          `json:"profit_cut_rate"`
}

// Coordinator is the command surface exposed to the presentation adapter.
type Coordinator interface {
	Initialize()
	StartTrading()
	StopTrading()
	ChangeCondition(seq string)
	RejectSymbol(symbol string)
	ClearRejected() int
	SetStrategy(name string) error
	Status() StatusSnapshot
	Positions() []types.Position
	PendingSignals() []types.PendingSignal
	Events() <-chan types.Event
	Shutdown()
}
