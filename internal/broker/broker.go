// Package broker defines the kernel's view of the broker collaborator. Wire
// protocols live outside the kernel; this package holds the contract, a
// simulated implementation for sim mode and tests, and the bounded-retry
// guard every live adapter is wrapped in.
package broker

import (
	"context"
	"time"
)

// BrokerPosition is one position as the broker reports it.
type BrokerPosition struct {
	OrderID        string    `json:"order_id"`
	Pair           string    `json:"pair"`
	Side           string    `json:"side"`
	Quantity       float64   `json:"quantity"`
	FilledQuantity float64   `json:"filled_quantity"`
	AvgPrice       float64   `json:"avg_price"`
	OpenedAt       time.Time `json:"opened_at"`
}

// FillRatio is the broker-side cumulative fill fraction.
func (p BrokerPosition) FillRatio() float64 {
	if p.Quantity == 0 {
		return 0
	}
	return p.FilledQuantity / p.Quantity
}

// AccountSummary is the broker-reported account state.
type AccountSummary struct {
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	MarginUsed float64 `json:"margin_used"`
}

// Snapshot is one broker state fetch.
type Snapshot struct {
	Positions []BrokerPosition `json:"positions"`
	Account   AccountSummary   `json:"account"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// OrderRequest is a submission to the broker.
type OrderRequest struct {
	IntentID    string  `json:"intent_id"`
	Pair        string  `json:"pair"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TargetPrice float64 `json:"target_price,omitempty"`
	ClientRef   string  `json:"client_ref"`
}

// OrderResult is the typed outcome of a submission. A rejection is a
// business result, not an error: it is never retried automatically.
type OrderResult struct {
	Accepted     bool      `json:"accepted"`
	OrderID      string    `json:"order_id,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// CancelResult is the typed outcome of a cancellation.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// Broker is the collaborator contract. Errors mean connectivity or protocol
// failure; business rejections come back inside the typed results.
type Broker interface {
	GetPositions(ctx context.Context) (*Snapshot, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (CancelResult, error)
}
