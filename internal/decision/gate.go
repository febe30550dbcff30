// Package decision turns market state plus account context into one action per cycle.
package decision

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/market"
)

// Action is the tagged outcome of one evaluation cycle.
type Action string

const (
	Hold       Action = "HOLD"
	EnterLong  Action = "ENTER_LONG"
	EnterShort Action = "ENTER_SHORT"
	Exit       Action = "EXIT"
)

// Reason explains why a gate blocked, or why an exit fired. Empty means every
// gate passed.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonAuthInvalid        Reason = "auth_invalid"
	ReasonExplicitFlatten    Reason = "explicit_flatten"
	ReasonBlackoutWindow     Reason = "blackout_window"
	ReasonRiskHalt           Reason = "risk_halt"
	ReasonDuplicateDirection Reason = "duplicate_direction"
	ReasonOppositeRegime     Reason = "opposite_regime"
	ReasonNoEdge             Reason = "no_edge"
)

// Side is the direction of an open position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// PositionContext is the read-only account snapshot consulted by the gate.
// It is owned by the reconciliation subsystem; the gate never mutates it.
type PositionContext struct {
	Account         string
	AccountID       int
	Symbol          string
	HasOpenPosition bool
	PositionSide    Side
	CanTrade        bool
}

// Input bundles everything one evaluation needs. The gate is a pure function
// of this input, so identical inputs always yield identical plans.
type Input struct {
	Market           *market.State
	Position         PositionContext
	SessionValid     bool
	FlattenRequested bool
	Now              time.Time
}

// Plan is the immutable outcome of one evaluation cycle.
type Plan struct {
	Action      Action
	Reason      Reason
	EvaluatedAt time.Time
	Market      *market.State
	Position    PositionContext
}

// BlackoutWindow is a daily wall-clock interval during which no new decisions
// other than HOLD are made (the venue's close-out period).
type BlackoutWindow struct {
	startMin int
	endMin   int
	loc      *time.Location
	enabled  bool
}

// NewBlackoutWindow parses "HH:MM" boundaries in the given timezone. Empty
// boundaries disable the window.
func NewBlackoutWindow(start, end, timezone string) (BlackoutWindow, error) {
	if start == "" || end == "" {
		return BlackoutWindow{}, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return BlackoutWindow{}, fmt.Errorf("load timezone: %w", err)
	}
	s, err := parseClock(start)
	if err != nil {
		return BlackoutWindow{}, fmt.Errorf("blackout start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return BlackoutWindow{}, fmt.Errorf("blackout end: %w", err)
	}
	return BlackoutWindow{startMin: s, endMin: e, loc: loc, enabled: true}, nil
}

// Active reports whether t falls inside the window. A window whose end is
// before its start wraps past midnight.
func (w BlackoutWindow) Active(t time.Time) bool {
	if !w.enabled {
		return false
	}
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.startMin <= w.endMin {
		return m >= w.startMin && m <= w.endMin
	}
	return m >= w.startMin || m <= w.endMin
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute %q", s)
	}
	return h*60 + m, nil
}

// Gate applies precedence-ordered checks before consulting the composite
// regime. The first failing gate wins and short-circuits the rest.
type Gate struct {
	blackout BlackoutWindow
	log      zerolog.Logger
}

func NewGate(blackout BlackoutWindow, log zerolog.Logger) *Gate {
	return &Gate{blackout: blackout, log: log}
}

// Evaluate runs one pass of the state machine and returns the plan for this
// cycle. It never blocks and never touches shared state.
func (g *Gate) Evaluate(in Input) Plan {
	plan := Plan{
		Action:      Hold,
		EvaluatedAt: in.Now,
		Market:      in.Market,
		Position:    in.Position,
	}

	switch {
	case !in.SessionValid:
		plan.Reason = ReasonAuthInvalid
	case in.FlattenRequested:
		plan.Reason = ReasonExplicitFlatten
		if in.Position.HasOpenPosition {
			plan.Action = Exit
		}
	case g.blackout.Active(in.Now):
		plan.Reason = ReasonBlackoutWindow
	case !in.Position.CanTrade:
		plan.Reason = ReasonRiskHalt
	default:
		plan.Action, plan.Reason = g.evalSignal(in)
	}

	g.log.Info().
		Str("account", in.Position.Account).
		Str("symbol", in.Position.Symbol).
		Str("action", string(plan.Action)).
		Str("reason", string(plan.Reason)).
		Msg("action plan")
	return plan
}

func (g *Gate) evalSignal(in Input) (Action, Reason) {
	composite := market.Unknown
	if in.Market != nil {
		composite = in.Market.Composite
	}

	if in.Position.HasOpenPosition {
		switch {
		case composite == market.TrendingUp && in.Position.PositionSide == Long,
			composite == market.TrendingDown && in.Position.PositionSide == Short:
			return Hold, ReasonDuplicateDirection
		case composite == market.TrendingUp && in.Position.PositionSide == Short,
			composite == market.TrendingDown && in.Position.PositionSide == Long:
			return Exit, ReasonOppositeRegime
		default:
			return Hold, ReasonNoEdge
		}
	}

	switch composite {
	case market.TrendingUp:
		return EnterLong, ReasonNone
	case market.TrendingDown:
		return EnterShort, ReasonNone
	default:
		return Hold, ReasonNoEdge
	}
}
