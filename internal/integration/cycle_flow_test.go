package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/decision"
	"github.com/thetopham/tradingview-bot/internal/engine"
	"github.com/thetopham/tradingview-bot/internal/execution"
	"github.com/thetopham/tradingview-bot/internal/market"
	"github.com/thetopham/tradingview-bot/internal/reconcile"
	"github.com/thetopham/tradingview-bot/internal/risk"
	"github.com/thetopham/tradingview-bot/internal/venue"
)

type memorySession struct{}

func (memorySession) SessionValid(ctx context.Context) bool { return true }

type emptySearcher struct{}

func (emptySearcher) SearchTrades(ctx context.Context, accountID int, since time.Time) ([]venue.Trade, error) {
	return nil, nil
}

type memoryBars struct{ bars []market.Bar }

func (m memoryBars) FetchRecentBars(ctx context.Context, symbol string, since time.Time, limit int) ([]market.Bar, error) {
	return m.bars, nil
}

type memoryVenue struct {
	orders   []venue.OrderRequest
	flattens int
}

func (m *memoryVenue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.SubmitResult, error) {
	m.orders = append(m.orders, req)
	return venue.SubmitResult{VenueOrderID: "vo-100", Status: "accepted"}, nil
}

func (m *memoryVenue) Flatten(ctx context.Context, accountID int, symbol string) error {
	m.flattens++
	return nil
}

type memoryStore struct{ records map[string]reconcile.Record }

func (m *memoryStore) Upsert(ctx context.Context, rec reconcile.Record) error {
	m.records[rec.CorrelationID] = rec
	return nil
}

// TestFullCycleFlow walks the whole loop: an uptrend produces an entry, the
// venue's fill and close events reconcile the record, and the realized outcome
// lands in the durable store.
func TestFullCycleFlow(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, 120)
	for i := range bars {
		px := 5000 + 0.25*float64(i)
		bars[i] = market.Bar{
			Ts: start.Add(time.Duration(i) * time.Minute),
			Open: px, High: px + 0.25, Low: px - 0.25, Close: px, Volume: 100,
		}
	}

	book := reconcile.NewBook()
	mv := &memoryVenue{}
	dispatcher := execution.NewDispatcher(mv, book, 2, 5*time.Minute, zerolog.Nop())
	aggregator := market.NewAggregator(
		memoryBars{bars: bars}, time.Minute,
		[]time.Duration{5 * time.Minute, 15 * time.Minute}, 600, 21, 5, 0.00005, zerolog.Nop())
	blackout, err := decision.NewBlackoutWindow("15:55", "17:05", "America/Chicago")
	if err != nil {
		t.Fatalf("NewBlackoutWindow error: %v", err)
	}

	eng := engine.New(engine.Params{
		Aggregator: aggregator,
		Gate:       decision.NewGate(blackout, zerolog.Nop()),
		Dispatcher: dispatcher,
		Book:       book,
		Session:    memorySession{},
		Trades:     emptySearcher{},
		Risk:       risk.Params{MaxDailyLoss: -1000, DailyProfitTarget: 3000, MaxConsecutiveLosses: 5},
		Accounts:   []engine.Account{{Name: "alpha", ID: 1001}},
		Symbol:     "MES",
		Cycle:      5 * time.Minute,
		Enabled:    true,
		Location:   time.UTC,
		Log:        zerolog.Nop(),
	})

	store := &memoryStore{records: make(map[string]reconcile.Record)}
	journal, err := reconcile.NewJournal(filepath.Join(t.TempDir(), "fallback.jsonl"))
	if err != nil {
		t.Fatalf("NewJournal error: %v", err)
	}
	defer journal.Close()
	worker := reconcile.NewWorker(book, store, journal, emptySearcher{}, 2*time.Minute, time.Minute, zerolog.Nop())

	now := start.Add(2 * time.Hour)
	eng.RunCycle(context.Background(), now)

	if len(mv.orders) != 1 {
		t.Fatalf("expected one order from the uptrend, got %d", len(mv.orders))
	}
	rec, ok := book.PendingFor(1001, "MES")
	if !ok || rec.Action != decision.EnterLong {
		t.Fatalf("expected pending entry record, got %+v", rec)
	}
	if mv.orders[0].CorrelationID != rec.CorrelationID {
		t.Fatalf("expected order tagged with the record's correlation id")
	}

	// Venue confirms the fill; the record matches and the position opens.
	worker.HandleEvent(context.Background(), venue.Event{Kind: venue.EventFill, Fill: &venue.FillEvent{
		VenueOrderID: "vo-100", AccountID: 1001, Symbol: "MES", Price: 5030, Size: 2, Ts: now,
	}})
	if !book.PositionFor(1001, "MES").Open {
		t.Fatalf("expected open position after fill")
	}

	// While long in an uptrend, the next cycle holds instead of stacking.
	eng.RunCycle(context.Background(), now.Add(5*time.Minute))
	if len(mv.orders) != 1 {
		t.Fatalf("expected no additional orders while positioned with the trend")
	}

	// The venue-side close arrives; the record completes and persists.
	worker.HandleEvent(context.Background(), venue.Event{Kind: venue.EventClose, Close: &venue.CloseEvent{
		AccountID: 1001, Symbol: "MES", Price: 5045, RealizedPnL: 150, Ts: now.Add(20 * time.Minute),
	}})

	final, _ := book.Get(rec.CorrelationID)
	if final.Status != reconcile.StatusMatched || final.RealizedPnL != 150 {
		t.Fatalf("expected matched record with pnl, got %+v", final)
	}
	if book.PositionFor(1001, "MES").Open {
		t.Fatalf("expected flat position after close")
	}
	stored, ok := store.records[rec.CorrelationID]
	if !ok || stored.Status != reconcile.StatusMatched {
		t.Fatalf("expected record persisted to store, got %+v", stored)
	}
}
