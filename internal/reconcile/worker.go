package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/decision"
	"github.com/thetopham/tradingview-bot/internal/metrics"
	"github.com/thetopham/tradingview-bot/internal/venue"
)

// TradeSearcher pulls executions straight from the venue query API. The worker
// falls back to it after a stream gap instead of trusting that every event was
// delivered.
type TradeSearcher interface {
	SearchTrades(ctx context.Context, accountID int, since time.Time) ([]venue.Trade, error)
}

// Worker consumes the venue event stream, matches events to open records,
// maintains position state, and persists outcomes with a journal fallback.
// It is the single writer of the Book after dispatch.
type Worker struct {
	book          *Book
	store         Store
	journal       *Journal
	searcher      TradeSearcher
	grace         time.Duration
	sweepInterval time.Duration
	log           zerolog.Logger
}

func NewWorker(book *Book, store Store, journal *Journal, searcher TradeSearcher, grace, sweepInterval time.Duration, log zerolog.Logger) *Worker {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Worker{
		book:          book,
		store:         store,
		journal:       journal,
		searcher:      searcher,
		grace:         grace,
		sweepInterval: sweepInterval,
		log:           log,
	}
}

// Run processes events until the context is canceled, sweeping the journal on
// a fixed cadence in between.
func (w *Worker) Run(ctx context.Context, events <-chan venue.Event) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one stream event to the book and persists the result.
func (w *Worker) HandleEvent(ctx context.Context, ev venue.Event) {
	metrics.VenueEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case venue.EventFill:
		if ev.Fill != nil {
			w.handleFill(ctx, *ev.Fill)
		}
	case venue.EventClose:
		if ev.Close != nil {
			w.handleClose(ctx, *ev.Close)
		}
	case venue.EventDisconnect:
		w.CatchUp(ctx, time.Now().UTC())
	}
}

func (w *Worker) handleFill(ctx context.Context, fill venue.FillEvent) {
	rec, ok := w.book.ByVenueOrder(fill.VenueOrderID)
	if !ok {
		// The venue id is unknown when the submit response raced the stream;
		// fall back to the single in-flight record for the pair.
		rec, ok = w.book.PendingFor(fill.AccountID, fill.Symbol)
	}
	if !ok {
		w.holdUnmatched(ctx, fmt.Sprintf("fill:%s", fill.VenueOrderID), fill.AccountID, fill.Symbol, fill.Price, 0)
		return
	}

	updated, _ := w.book.Update(rec.CorrelationID, func(r *Record) {
		if r.VenueOrderID == "" {
			r.VenueOrderID = fill.VenueOrderID
		}
		if r.Action == decision.Exit {
			// Exit records wait for the close event, which carries the pnl.
			r.ExitPrice = fill.Price
			return
		}
		if r.EntryPrice == 0 {
			r.EntryPrice = fill.Price
		}
		// The fill is the entry order's evidence; the record must leave
		// PENDING so a later exit can dispatch under single-flight.
		if r.Status == StatusPending {
			r.Status = StatusMatched
		}
	})

	if updated.Action == decision.EnterLong || updated.Action == decision.EnterShort {
		side := decision.Long
		if updated.Action == decision.EnterShort {
			side = decision.Short
		}
		w.book.SetPosition(fill.AccountID, fill.Symbol, Position{
			Open:  true,
			Side:  side,
			Size:  fill.Size,
			Entry: fill.Price,
		})
	}

	w.log.Info().
		Str("correlation_id", updated.CorrelationID).
		Str("venue_order_id", fill.VenueOrderID).
		Float64("price", fill.Price).
		Msg("fill matched")
	w.persist(ctx, updated)
}

func (w *Worker) handleClose(ctx context.Context, close venue.CloseEvent) {
	// A pending record (our own exit order, or an entry whose fill never
	// arrived) takes priority; otherwise the close came from a venue-side
	// stop or target and reports against the last entry without an exit.
	rec, ok := w.book.PendingFor(close.AccountID, close.Symbol)
	if !ok {
		rec, ok = w.book.LastEntryWithoutExit(close.AccountID, close.Symbol)
	}
	if !ok {
		w.holdUnmatched(ctx, fmt.Sprintf("close:%d:%s:%d", close.AccountID, close.Symbol, close.Ts.Unix()), close.AccountID, close.Symbol, close.Price, close.RealizedPnL)
		return
	}

	updated, _ := w.book.Update(rec.CorrelationID, func(r *Record) {
		if r.ExitPrice == 0 {
			r.ExitPrice = close.Price
		}
		r.RealizedPnL = close.RealizedPnL
		r.Status = StatusMatched
	})
	w.book.SetPosition(close.AccountID, close.Symbol, Position{})

	w.log.Info().
		Str("correlation_id", updated.CorrelationID).
		Float64("pnl", close.RealizedPnL).
		Msg("position closed, record matched")
	w.persist(ctx, updated)
}

// holdUnmatched records evidence that matched no open record. It is flagged
// for periodic reconciliation rather than guessed at.
func (w *Worker) holdUnmatched(ctx context.Context, key string, accountID int, symbol string, price, pnl float64) {
	rec := Record{
		CorrelationID: "unmatched:" + key,
		AccountID:     accountID,
		Symbol:        symbol,
		ExitPrice:     price,
		RealizedPnL:   pnl,
		Status:        StatusUnmatched,
		CreatedAt:     time.Now().UTC(),
	}
	rec, _ = w.book.Create(rec)
	w.log.Warn().
		Str("correlation_id", rec.CorrelationID).
		Int("account_id", accountID).
		Str("symbol", symbol).
		Msg("event matched no open record")
	w.persist(ctx, rec)
}

// persist writes the record durably, falling back to the journal when the
// store is unreachable. The record keeps FAILED_PERSIST until a sweep lands it.
func (w *Worker) persist(ctx context.Context, rec Record) {
	err := w.store.Upsert(ctx, rec)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Str("correlation_id", rec.CorrelationID).Msg("durable store write failed, journaling")

	w.book.Update(rec.CorrelationID, func(r *Record) {
		r.Status = StatusFailedPersist
	})
	if err := w.journal.Append(rec); err != nil {
		w.log.Error().Err(err).Str("correlation_id", rec.CorrelationID).Msg("journal append failed")
	}
}

// Sweep flushes the journal and restores the durable status of records that
// finally landed.
func (w *Worker) Sweep(ctx context.Context) {
	flushed, remaining, err := w.journal.Flush(ctx, w.store)
	if err != nil {
		w.log.Error().Err(err).Msg("journal flush failed")
		return
	}
	for _, rec := range flushed {
		w.book.Update(rec.CorrelationID, func(r *Record) {
			if r.Status == StatusFailedPersist {
				r.Status = rec.Status
			}
		})
	}
	if len(flushed) > 0 || remaining > 0 {
		w.log.Info().Int("flushed", len(flushed)).Int("remaining", remaining).Msg("journal sweep")
	}
}

// CatchUp reconciles records that missed their evidence across a stream gap by
// querying the venue directly. Only records older than the grace period are
// touched, so in-flight orders keep their chance to arrive over the stream.
func (w *Worker) CatchUp(ctx context.Context, now time.Time) {
	if w.searcher == nil {
		return
	}
	stale := w.book.OpenOlderThan(now.Add(-w.grace))
	if len(stale) == 0 {
		return
	}

	seen := map[int]bool{}
	for _, rec := range stale {
		if seen[rec.AccountID] {
			continue
		}
		seen[rec.AccountID] = true

		trades, err := w.searcher.SearchTrades(ctx, rec.AccountID, now.Add(-24*time.Hour))
		if err != nil {
			w.log.Warn().Err(err).Int("account_id", rec.AccountID).Msg("catch-up trade search failed")
			continue
		}
		w.applyTrades(ctx, rec.AccountID, stale, trades)
	}
}

func (w *Worker) applyTrades(ctx context.Context, accountID int, stale []Record, trades []venue.Trade) {
	for _, rec := range stale {
		if rec.AccountID != accountID {
			continue
		}
		for _, trade := range trades {
			if trade.Voided || trade.Symbol != rec.Symbol {
				continue
			}
			if rec.VenueOrderID != "" && string(trade.OrderID) != rec.VenueOrderID {
				continue
			}
			if trade.PnL == nil {
				continue
			}
			updated, _ := w.book.Update(rec.CorrelationID, func(r *Record) {
				if r.VenueOrderID == "" {
					r.VenueOrderID = string(trade.OrderID)
				}
				if r.ExitPrice == 0 {
					r.ExitPrice = trade.Price
				}
				r.RealizedPnL = *trade.PnL
				r.Status = StatusMatched
			})
			w.book.SetPosition(accountID, rec.Symbol, Position{})
			w.log.Info().
				Str("correlation_id", rec.CorrelationID).
				Str("venue_order_id", string(trade.OrderID)).
				Msg("record reconciled via venue query")
			w.persist(ctx, updated)
			break
		}
	}
}
