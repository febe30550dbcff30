// Package venue hosts the execution venue REST client and its user event stream.
package venue

import (
	"encoding/json"
	"time"
)

// OrderID is the venue's order identifier. The venue emits it as a JSON number
// on some endpoints and as a string on others; both decode to the canonical
// string form so record matching compares one representation.
type OrderID string

func (o *OrderID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*o = OrderID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = OrderID(s)
	return nil
}

// EventKind discriminates frames pushed over the user event stream.
type EventKind string

const (
	EventFill       EventKind = "fill"
	EventClose      EventKind = "close"
	EventDisconnect EventKind = "disconnect"
)

// FillEvent reports an order execution. The venue identifies it by its own
// order id; the correlation id the bot generated is not echoed back.
type FillEvent struct {
	VenueOrderID string    `json:"orderId"`
	AccountID    int       `json:"accountId"`
	Symbol       string    `json:"contractId"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	Ts           time.Time `json:"timestamp"`
}

// CloseEvent reports a position going flat with its realized outcome.
type CloseEvent struct {
	AccountID   int       `json:"accountId"`
	Symbol      string    `json:"contractId"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"profitAndLoss"`
	Ts          time.Time `json:"timestamp"`
}

// Event is the tagged union delivered to the reconciliation worker. Exactly one
// payload pointer is set for fill/close kinds; disconnect carries none and
// signals that events may have been missed.
type Event struct {
	Kind  EventKind
	Fill  *FillEvent
	Close *CloseEvent
}

// Trade is a venue-side execution returned by the trade search API, used for
// catch-up reconciliation after a stream gap.
type Trade struct {
	OrderID   OrderID   `json:"orderId"`
	AccountID int       `json:"accountId"`
	Symbol    string    `json:"contractId"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	PnL       *float64  `json:"profitAndLoss"`
	Voided    bool      `json:"voided"`
	Ts        time.Time `json:"creationTimestamp"`
}
