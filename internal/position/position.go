package position

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is one trade intent's journey from proposal to a terminal state.
// It is owned exclusively by the Tracker and mutated only through the
// lifecycle's apply path.
type Position struct {
	PositionID     string    `json:"position_id"`
	SignalID       string    `json:"signal_id"`
	IntentID       string    `json:"intent_id"`
	State          State     `json:"state"`
	PreviousState  State     `json:"previous_state,omitempty"`
	StateChangedAt time.Time `json:"state_changed_at"`

	Pair        string  `json:"pair"`
	Side        Side    `json:"side"`
	EntryPrice  float64 `json:"entry_price,omitempty"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TargetPrice float64 `json:"target_price,omitempty"`
	ExitPrice   float64 `json:"exit_price,omitempty"`

	RequestedQuantity float64 `json:"requested_quantity"`
	FilledQuantity    float64 `json:"filled_quantity,omitempty"`
	RealizedPnL       float64 `json:"realized_pnl,omitempty"`

	BrokerOrderID string `json:"broker_order_id,omitempty"`
	TokenID       string `json:"token_id,omitempty"`
	StallReason   string `json:"stall_reason,omitempty"`
}

// FillRatio is the cumulative fill fraction of the requested quantity.
func (p *Position) FillRatio() float64 {
	if p.RequestedQuantity == 0 {
		return 0
	}
	return p.FilledQuantity / p.RequestedQuantity
}

// realizedPnL computes the exit P&L in price terms.
func (p *Position) realizedPnL(exitPrice float64) float64 {
	diff := exitPrice - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * p.FilledQuantity
}
