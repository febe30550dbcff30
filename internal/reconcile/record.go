// Package reconcile matches asynchronous venue fill/close facts back to the
// orders that caused them and keeps the only mutable position state in the bot.
package reconcile

import (
	"sync"
	"time"

	"github.com/thetopham/tradingview-bot/internal/decision"
)

// Status is the lifecycle state of a reconciliation record.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusMatched       Status = "MATCHED"
	StatusUnmatched     Status = "UNMATCHED"
	StatusRejected      Status = "REJECTED"
	StatusFailedPersist Status = "FAILED_PERSIST"
)

// Record ties one dispatched order to the evidence that eventually arrives for
// it. Every dispatched order has exactly one record, created at dispatch time.
type Record struct {
	CorrelationID string          `json:"correlation_id"`
	Account       string          `json:"account"`
	AccountID     int             `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Action        decision.Action `json:"action"`
	Side          decision.Side   `json:"side"`
	Size          int             `json:"size"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	VenueTradeIDs []string        `json:"venue_trade_ids,omitempty"`
	EntryPrice    float64         `json:"entry_price,omitempty"`
	ExitPrice     float64         `json:"exit_price,omitempty"`
	RealizedPnL   float64         `json:"realized_pnl,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Position is the current per-(account, symbol) holding derived from venue
// events. Zero value means flat.
type Position struct {
	Open  bool
	Side  decision.Side
	Size  float64
	Entry float64
}

type pairKey struct {
	accountID int
	symbol    string
}

// Book is the in-memory authority for records and positions. The
// reconciliation worker is the only writer after dispatch; everything handed
// out is a copy, so readers never observe concurrent mutation.
type Book struct {
	mu        sync.Mutex
	records   map[string]*Record
	positions map[pairKey]Position
}

func NewBook() *Book {
	return &Book{
		records:   make(map[string]*Record),
		positions: make(map[pairKey]Position),
	}
}

// Create inserts a record if its correlation id is new and reports whether the
// insert happened. An existing record is returned unchanged, which is what
// makes redispatch of the same cycle idempotent.
func (b *Book) Create(rec Record) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[rec.CorrelationID]; ok {
		return *existing, false
	}
	stored := rec
	b.records[rec.CorrelationID] = &stored
	return stored, true
}

// Get returns a copy of the record for the correlation id.
func (b *Book) Get(correlationID string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[correlationID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies fn to the stored record under the book lock and returns the
// result. Missing ids are a no-op.
func (b *Book) Update(correlationID string, fn func(*Record)) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[correlationID]
	if !ok {
		return Record{}, false
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return *rec, true
}

// PendingFor returns the most recently created PENDING record for the pair.
// The single-flight invariant keeps this unambiguous: the dispatcher refuses a
// second in-flight order for the same pair.
func (b *Book) PendingFor(accountID int, symbol string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Record
	for _, rec := range b.records {
		if rec.AccountID != accountID || rec.Symbol != symbol || rec.Status != StatusPending {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// LastEntryWithoutExit returns the most recent matched entry record for the
// pair that has no exit evidence yet. A venue-initiated close (protective stop
// or target) reports against this record.
func (b *Book) LastEntryWithoutExit(accountID int, symbol string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Record
	for _, rec := range b.records {
		if rec.AccountID != accountID || rec.Symbol != symbol {
			continue
		}
		if rec.Action != decision.EnterLong && rec.Action != decision.EnterShort {
			continue
		}
		if rec.Status != StatusMatched && rec.Status != StatusFailedPersist {
			continue
		}
		if rec.ExitPrice != 0 {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// ByVenueOrder returns the record that dispatched the given venue order id.
func (b *Book) ByVenueOrder(venueOrderID string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.records {
		if rec.VenueOrderID != "" && rec.VenueOrderID == venueOrderID {
			return *rec, true
		}
	}
	return Record{}, false
}

// OpenOlderThan lists records still awaiting evidence whose dispatch happened
// before the cutoff. Used by the reconnect catch-up sweep.
func (b *Book) OpenOlderThan(cutoff time.Time) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for _, rec := range b.records {
		if (rec.Status == StatusPending || rec.Status == StatusFailedPersist) && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	return out
}

// SetPosition replaces the holding for a pair.
func (b *Book) SetPosition(accountID int, symbol string, pos Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := pairKey{accountID: accountID, symbol: symbol}
	if !pos.Open {
		delete(b.positions, key)
		return
	}
	b.positions[key] = pos
}

// PositionFor returns a copy of the holding for a pair; zero value when flat.
func (b *Book) PositionFor(accountID int, symbol string) Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[pairKey{accountID: accountID, symbol: symbol}]
}
