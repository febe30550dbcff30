// Package engine drives the evaluation loop: one market read, one gate pass,
// and at most one dispatch per account and cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/decision"
	"github.com/thetopham/tradingview-bot/internal/execution"
	"github.com/thetopham/tradingview-bot/internal/market"
	"github.com/thetopham/tradingview-bot/internal/metrics"
	"github.com/thetopham/tradingview-bot/internal/reconcile"
	"github.com/thetopham/tradingview-bot/internal/risk"
	"github.com/thetopham/tradingview-bot/internal/venue"
)

// Session reports whether an authenticated venue session is available.
type Session interface {
	SessionValid(ctx context.Context) bool
}

// Account pairs a configured account label with its venue id.
type Account struct {
	Name string
	ID   int
}

// Engine owns the per-cycle orchestration for every configured account on one
// symbol. Cycles for the same account/symbol pair never overlap.
type Engine struct {
	aggregator *market.Aggregator
	gate       *decision.Gate
	dispatcher *execution.Dispatcher
	book       *reconcile.Book
	session    Session
	trades     reconcile.TradeSearcher
	riskParams risk.Params
	limits     risk.Limits
	size       int
	accounts   []Account
	symbol     string
	cycle      time.Duration
	enabled    bool
	loc        *time.Location
	log        zerolog.Logger

	flatten atomic.Bool

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

type Params struct {
	Aggregator *market.Aggregator
	Gate       *decision.Gate
	Dispatcher *execution.Dispatcher
	Book       *reconcile.Book
	Session    Session
	Trades     reconcile.TradeSearcher
	Risk       risk.Params
	Limits     risk.Limits
	Size       int
	Accounts   []Account
	Symbol     string
	Cycle      time.Duration
	Enabled    bool
	Location   *time.Location
	Log        zerolog.Logger
}

func New(p Params) *Engine {
	if p.Cycle <= 0 {
		p.Cycle = 5 * time.Minute
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return &Engine{
		aggregator: p.Aggregator,
		gate:       p.Gate,
		dispatcher: p.Dispatcher,
		book:       p.Book,
		session:    p.Session,
		trades:     p.Trades,
		riskParams: p.Risk,
		limits:     p.Limits,
		size:       p.Size,
		accounts:   p.Accounts,
		symbol:     p.Symbol,
		cycle:      p.Cycle,
		enabled:    p.Enabled,
		loc:        p.Location,
		log:        p.Log,
		pairs:      make(map[string]*sync.Mutex),
	}
}

// RequestFlatten arms a one-shot flatten: the next cycle exits every open
// position and holds otherwise.
func (e *Engine) RequestFlatten() {
	e.flatten.Store(true)
}

// Run evaluates on cycle boundaries until the context ends. The first tick is
// aligned to the next boundary so bar windows are complete when read.
func (e *Engine) Run(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next := now.Truncate(e.cycle).Add(e.cycle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}
		e.RunCycle(ctx, time.Now().UTC())
	}
}

// RunCycle evaluates every account once against a single market snapshot.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) {
	flattenRequested := e.flatten.Swap(false)

	sessionOK := e.session.SessionValid(ctx)
	var state *market.State
	if sessionOK {
		var err error
		state, err = e.aggregator.BuildState(ctx, e.symbol, now)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", e.symbol).Msg("market state unavailable, holding")
		}
	}

	for _, account := range e.accounts {
		e.runAccountCycle(ctx, account, state, sessionOK, flattenRequested, now)
	}
}

func (e *Engine) runAccountCycle(ctx context.Context, account Account, state *market.State, sessionOK, flattenRequested bool, now time.Time) {
	lock := e.pairLock(account.Name)
	lock.Lock()
	defer lock.Unlock()

	metrics.CyclesTotal.WithLabelValues(account.Name, e.symbol).Inc()

	position, err := e.positionContext(ctx, account, now)
	if err != nil {
		e.log.Error().Err(err).Str("account", account.Name).Msg("position context unavailable, holding")
		return
	}

	plan := e.gate.Evaluate(decision.Input{
		Market:           state,
		Position:         position,
		SessionValid:     sessionOK,
		FlattenRequested: flattenRequested,
		Now:              now,
	})
	metrics.PlansTotal.WithLabelValues(string(plan.Action), string(plan.Reason)).Inc()

	if plan.Action == decision.EnterLong || plan.Action == decision.EnterShort {
		notional := float64(e.size) * state.LastClose()
		if e.limits.MaxNotionalPerTrade > 0 && !e.limits.Allow(notional) {
			e.log.Warn().
				Str("account", account.Name).
				Float64("notional", notional).
				Msg("order notional above limit, holding")
			return
		}
	}

	if !e.enabled && plan.Action != decision.Hold {
		e.log.Warn().
			Str("account", account.Name).
			Str("action", string(plan.Action)).
			Msg("trading disabled, plan not dispatched")
		return
	}

	// The dispatch must not be rolled back by the scheduler's deadline once
	// the order is on the wire.
	rec, err := e.dispatcher.Dispatch(context.WithoutCancel(ctx), plan)
	switch {
	case errors.Is(err, execution.ErrInFlight):
		// Single flight: evidence for the previous order is still pending.
	case errors.Is(err, venue.ErrRejected):
		// Terminal for this cycle; the record already carries REJECTED.
	case err != nil:
		e.log.Error().Err(err).Str("account", account.Name).Msg("dispatch failed")
	case rec != nil:
		e.log.Info().
			Str("account", account.Name).
			Str("correlation_id", rec.CorrelationID).
			Str("action", string(rec.Action)).
			Msg("cycle dispatched")
	}
}

// positionContext builds the gate's account snapshot: the book's position plus
// risk accounting over today's realized trades.
func (e *Engine) positionContext(ctx context.Context, account Account, now time.Time) (decision.PositionContext, error) {
	pos := e.book.PositionFor(account.ID, e.symbol)

	dayStart := now.In(e.loc)
	dayStart = time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), 0, 0, 0, 0, e.loc)
	trades, err := e.trades.SearchTrades(ctx, account.ID, dayStart)
	if err != nil {
		return decision.PositionContext{}, fmt.Errorf("search trades: %w", err)
	}
	results := make([]risk.TradeResult, 0, len(trades))
	for _, tr := range trades {
		if tr.PnL == nil {
			continue
		}
		results = append(results, risk.TradeResult{PnL: *tr.PnL, Voided: tr.Voided, Ts: tr.Ts})
	}
	m := risk.Evaluate(e.riskParams, results)

	return decision.PositionContext{
		Account:         account.Name,
		AccountID:       account.ID,
		Symbol:          e.symbol,
		HasOpenPosition: pos.Open,
		PositionSide:    pos.Side,
		CanTrade:        m.CanTrade,
	}, nil
}

func (e *Engine) pairLock(account string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := account + "|" + e.symbol
	lock := e.pairs[key]
	if lock == nil {
		lock = &sync.Mutex{}
		e.pairs[key] = lock
	}
	return lock
}
