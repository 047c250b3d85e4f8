package types

import "time"

// Side distinguishes order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Quote is a normalized price snapshot merged from the price/volume query and
// the (degradable) best-price query.
type Quote struct {
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name,omitempty"`
	Price      int64   `json:"price"`
	BestBid    int64   `json:"best_bid,omitempty"`
	BestAsk    int64   `json:"best_ask,omitempty"`
	ChangeRate float64 `json:"change_rate"`
	Volume     int64   `json:"volume"`
}

// Holding is one position row from the balance query, used to warm the
// symbol-name cache.
type Holding struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Qty    int64  `json:"qty"`
}

// Balance is the normalized account snapshot.
type Balance struct {
	Cash     int64     `json:"cash"`
	Holdings []Holding `json:"holdings,omitempty"`
}

// OrderResult is the normalized outcome of a market order submission.
// Transport and parse failures are mapped into a failed result, never raised
// past the broker boundary.
type OrderResult struct {
	Success  bool   `json:"success"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	OrderID  string `json:"order_id,omitempty"`
	OrderRef string `json:"order_ref,omitempty"`
}

// ConditionChannel is one server-side screening query.
type ConditionChannel struct {
	Seq  string `json:"seq"`
	Name string `json:"name"`
}

// Position is an open holding tracked by the coordinator. EntryPrice starts as
// the approximate submission-time price and is overwritten by the confirmed
// execution price when the fill notification arrives.
type Position struct {
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Qty        int64     `json:"qty"`
	EntryPrice int64     `json:"entry_price"`
	Confirmed  bool      `json:"confirmed"`
	OpenedAt   time.Time `json:"opened_at"`
}

// PendingSignal is a condition hit awaiting action. Expired signals are purged
// on the refresh cycle.
type PendingSignal struct {
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Price      int64     `json:"price"`
	ChangeRate float64   `json:"change_rate"`
	Volume     int64     `json:"volume"`
	FirstSeen  time.Time `json:"first_seen"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Execution is a parsed fill notification.
type Execution struct {
	Symbol  string `json:"symbol"`
	Side    Side   `json:"side"`
	Price   int64  `json:"price"`
	Qty     int64  `json:"qty"`
	OrderID string `json:"order_id,omitempty"`
}

// StreamEventKind tags the union of events the stream client emits.
type StreamEventKind string

const (
	StreamLoginResult   StreamEventKind = "LOGIN_RESULT"
	StreamConditionList StreamEventKind = "CONDITION_LIST"
	StreamConditionHit  StreamEventKind = "CONDITION_HIT"
	StreamExecution     StreamEventKind = "EXECUTION"
	StreamUnclassified  StreamEventKind = "UNCLASSIFIED"
)

// StreamEvent is the typed message the stream client hands to the coordinator.
// Raw carries the upstream payload for the schema-tolerant parsers; execution
// schemas vary across upstream versions so they are forwarded unparsed.
type StreamEvent struct {
	Kind    StreamEventKind
	Symbol  string
	Success bool
	Raw     map[string]any
}

// EventKind tags coordinator-emitted UI events.
type EventKind string

const (
	EventAccountUpdate  EventKind = "ACCOUNT_UPDATE"
	EventLog            EventKind = "LOG"
	EventConditionList  EventKind = "CONDITION_LIST"
	EventSignalDetected EventKind = "SIGNAL_DETECTED"
	EventSignalRealtime EventKind = "SIGNAL_REALTIME"
)

// AccountUpdate reports the optimistic cash balance and open position count.
type AccountUpdate struct {
	Cash          int64 `json:"cash"`
	PositionCount int   `json:"position_count"`
}

// LogEntry is a human-readable activity record for the presentation layer.
type LogEntry struct {
	Time    string `json:"time"`
	Action  string `json:"action"`
	Details string `json:"details"`
	Symbol  string `json:"symbol,omitempty"`
}

// SignalUpdate carries one row of the signal table. New distinguishes a fresh
// detection (new row) from a realtime overwrite of an existing row.
type SignalUpdate struct {
	Time       string  `json:"time"`
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	Price      int64   `json:"price"`
	ChangeRate float64 `json:"change_rate"`
	Volume     int64   `json:"volume"`
	New        bool    `json:"new"`
}

// Event is the tagged union delivered to the presentation adapter.
type Event struct {
	Kind       EventKind          `json:"kind"`
	At         time.Time          `json:"at"`
	Account    *AccountUpdate     `json:"account,omitempty"`
	Log        *LogEntry          `json:"log,omitempty"`
	Conditions []ConditionChannel `json:"conditions,omitempty"`
	Signal     *SignalUpdate      `json:"signal,omitempty"`
}
