package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventPositionOpened     Event = "position.opened"
	EventPositionRolledBack Event = "position.rolled_back"
	EventPositionAged       Event = "position.aged"
	EventPositionClosed     Event = "position.closed"
	EventProtectionUpdated  Event = "protection.updated"
	EventVenuePosition      Event = "venue.position"
	EventVenueOrder         Event = "venue.order"
	EventAlert              Event = "alert"
	EventReconcile          Event = "reconcile.report"
)

// All lists every topic, used by subscribers that stream everything.
var All = []Event{
	EventPositionOpened,
	EventPositionRolledBack,
	EventPositionAged,
	EventPositionClosed,
	EventProtectionUpdated,
	EventVenuePosition,
	EventVenueOrder,
	EventAlert,
	EventReconcile,
}

// PositionEvent is the payload of the position.* topics.
type PositionEvent struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	State      string          `json:"state"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	PnL        decimal.Decimal `json:"pnl,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Time       time.Time       `json:"time"`
}

// ProtectionEvent reports a completed protection update.
type ProtectionEvent struct {
	Exchange          string          `json:"exchange"`
	Symbol            string          `json:"symbol"`
	Mechanism         string          `json:"mechanism"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	Unchanged         bool            `json:"unchanged"`
	UnprotectedWindow time.Duration   `json:"unprotected_window_ns"`
	Time              time.Time       `json:"time"`
}

// VenuePosition is a position change pushed by a venue stream. Quantity is
// positive; zero means the venue confirmed the position closed.
type VenuePosition struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
}

// VenueOrder is an execution report pushed by a venue stream.
type VenueOrder struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	OrderID  string          `json:"order_id"`
	ClientID string          `json:"client_id"`
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Filled   decimal.Decimal `json:"filled"`
}
