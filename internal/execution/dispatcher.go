// Package execution handles order lifecycle and interaction with the venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/decision"
	"github.com/thetopham/tradingview-bot/internal/metrics"
	"github.com/thetopham/tradingview-bot/internal/reconcile"
	"github.com/thetopham/tradingview-bot/internal/venue"
)

// ErrInFlight reports that the pair already has an order awaiting evidence,
// upholding the single-flight invariant.
var ErrInFlight = errors.New("order already in flight for account/symbol")

// Venue is the execution boundary. Both calls must tolerate a reused
// correlation id without duplicating their effect; the dispatcher compensates
// locally in case the venue does not.
type Venue interface {
	SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.SubmitResult, error)
	Flatten(ctx context.Context, accountID int, symbol string) error
}

// namespace for deterministic correlation ids; any stable UUID works as long
// as every instance of the bot agrees on it.
var correlationNamespace = uuid.MustParse("8d7f15aa-52c1-4f4f-9c1b-3a5d1e6b9d44")

// CorrelationID derives the idempotency key for a cycle. Two deliveries of the
// same cycle's plan hash to the same id, so redispatch cannot double-order.
func CorrelationID(account, symbol string, evaluatedAt time.Time, cycle time.Duration) string {
	bucket := evaluatedAt.UTC().Truncate(cycle).Unix()
	seed := fmt.Sprintf("%s|%s|%d", account, symbol, bucket)
	return uuid.NewSHA1(correlationNamespace, []byte(seed)).String()
}

// Dispatcher converts an approved plan into at most one outbound order,
// creating the reconciliation record in the same logical step.
type Dispatcher struct {
	venue Venue
	book  *reconcile.Book
	size  int
	cycle time.Duration
	log   zerolog.Logger

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

func NewDispatcher(venue Venue, book *reconcile.Book, size int, cycle time.Duration, log zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if cycle <= 0 {
		cycle = 5 * time.Minute
	}
	return &Dispatcher{
		venue: venue,
		book:  book,
		size:  size,
		cycle: cycle,
		log:   log,
		pairs: make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) pairLock(account, symbol string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := account + "|" + symbol
	lock := d.pairs[key]
	if lock == nil {
		lock = &sync.Mutex{}
		d.pairs[key] = lock
	}
	return lock
}

// Dispatch executes the plan. HOLD has no side effect. Re-delivery of the same
// cycle's plan returns the existing record instead of submitting again.
func (d *Dispatcher) Dispatch(ctx context.Context, plan decision.Plan) (*reconcile.Record, error) {
	if plan.Action == decision.Hold {
		return nil, nil
	}

	lock := d.pairLock(plan.Position.Account, plan.Position.Symbol)
	lock.Lock()
	defer lock.Unlock()

	cid := CorrelationID(plan.Position.Account, plan.Position.Symbol, plan.EvaluatedAt, d.cycle)
	if existing, ok := d.book.Get(cid); ok {
		d.log.Info().Str("correlation_id", cid).Msg("plan already dispatched, returning existing record")
		return &existing, nil
	}
	if pending, ok := d.book.PendingFor(plan.Position.AccountID, plan.Position.Symbol); ok {
		d.log.Warn().
			Str("correlation_id", cid).
			Str("in_flight", pending.CorrelationID).
			Msg("refusing dispatch, order already in flight")
		return nil, ErrInFlight
	}

	rec := reconcile.Record{
		CorrelationID: cid,
		Account:       plan.Position.Account,
		AccountID:     plan.Position.AccountID,
		Symbol:        plan.Position.Symbol,
		Action:        plan.Action,
		Side:          planSide(plan),
		Size:          d.size,
		Status:        reconcile.StatusPending,
		CreatedAt:     plan.EvaluatedAt.UTC(),
	}
	rec, created := d.book.Create(rec)
	if !created {
		return &rec, nil
	}

	result, err := d.submit(ctx, plan, cid)
	if err != nil {
		if errors.Is(err, venue.ErrRejected) {
			updated, _ := d.book.Update(cid, func(r *reconcile.Record) {
				r.Status = reconcile.StatusRejected
			})
			d.log.Error().
				Str("correlation_id", cid).
				Str("action", string(plan.Action)).
				Str("reason", string(plan.Reason)).
				Err(err).
				Msg("venue rejected order")
			return &updated, err
		}
		// Outcome unknown after a transient failure: the record stays PENDING
		// and the reconnect catch-up resolves it against venue state.
		d.log.Error().Str("correlation_id", cid).Err(err).Msg("order submission failed")
		return &rec, err
	}

	updated, _ := d.book.Update(cid, func(r *reconcile.Record) {
		r.VenueOrderID = result.VenueOrderID
	})
	metrics.OrdersTotal.WithLabelValues(plan.Position.Symbol, string(rec.Side)).Inc()
	d.log.Info().
		Str("correlation_id", cid).
		Str("venue_order_id", result.VenueOrderID).
		Str("action", string(plan.Action)).
		Int("size", d.size).
		Msg("order dispatched")
	return &updated, nil
}

// submit calls the venue once, with at most one retry on transient failure.
func (d *Dispatcher) submit(ctx context.Context, plan decision.Plan, cid string) (venue.SubmitResult, error) {
	var result venue.SubmitResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if plan.Action == decision.Exit {
			err = d.venue.Flatten(ctx, plan.Position.AccountID, plan.Position.Symbol)
		} else {
			result, err = d.venue.SubmitOrder(ctx, venue.OrderRequest{
				CorrelationID: cid,
				AccountID:     plan.Position.AccountID,
				Symbol:        plan.Position.Symbol,
				Side:          sideFor(plan.Action),
				Size:          d.size,
			})
		}
		if err == nil || errors.Is(err, venue.ErrRejected) {
			return result, err
		}
		d.log.Warn().Str("correlation_id", cid).Int("attempt", attempt+1).Err(err).Msg("transient submit failure")
	}
	return result, err
}

func sideFor(action decision.Action) venue.Side {
	if action == decision.EnterShort {
		return venue.Sell
	}
	return venue.Buy
}

func planSide(plan decision.Plan) decision.Side {
	switch plan.Action {
	case decision.EnterLong:
		return decision.Long
	case decision.EnterShort:
		return decision.Short
	default:
		return plan.Position.PositionSide
	}
}
