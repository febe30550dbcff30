package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/decision"
	"github.com/thetopham/tradingview-bot/internal/reconcile"
	"github.com/thetopham/tradingview-bot/internal/venue"
)

type fakeVenue struct {
	submits     int
	flattens    int
	failures    int
	rejectOrder bool
}

func (v *fakeVenue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.SubmitResult, error) {
	v.submits++
	if v.rejectOrder {
		return venue.SubmitResult{}, venue.ErrRejected
	}
	if v.failures > 0 {
		v.failures--
		return venue.SubmitResult{}, errors.New("connection reset")
	}
	return venue.SubmitResult{VenueOrderID: "vo-1", Status: "accepted"}, nil
}

func (v *fakeVenue) Flatten(ctx context.Context, accountID int, symbol string) error {
	v.flattens++
	if v.failures > 0 {
		v.failures--
		return errors.New("timeout")
	}
	return nil
}

func enterPlan(action decision.Action) decision.Plan {
	return decision.Plan{
		Action:      action,
		EvaluatedAt: time.Date(2025, 6, 2, 10, 0, 3, 0, time.UTC),
		Position: decision.PositionContext{
			Account:   "alpha",
			AccountID: 1001,
			Symbol:    "MES",
			CanTrade:  true,
		},
	}
}

func newTestDispatcher(venue Venue) (*Dispatcher, *reconcile.Book) {
	book := reconcile.NewBook()
	return NewDispatcher(venue, book, 2, 5*time.Minute, zerolog.Nop()), book
}

func TestDispatchHoldHasNoSideEffect(t *testing.T) {
	fv := &fakeVenue{}
	dispatcher, book := newTestDispatcher(fv)

	rec, err := dispatcher.Dispatch(context.Background(), enterPlan(decision.Hold))
	if err != nil || rec != nil {
		t.Fatalf("expected nil record and error for HOLD, got %v/%v", rec, err)
	}
	if fv.submits != 0 || fv.flattens != 0 {
		t.Fatalf("expected no venue calls for HOLD")
	}
	if _, ok := book.PendingFor(1001, "MES"); ok {
		t.Fatalf("expected no record for HOLD")
	}
}

func TestDispatchCreatesRecordAndSubmits(t *testing.T) {
	fv := &fakeVenue{}
	dispatcher, book := newTestDispatcher(fv)

	rec, err := dispatcher.Dispatch(context.Background(), enterPlan(decision.EnterLong))
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if rec == nil || rec.Status != reconcile.StatusPending {
		t.Fatalf("expected pending record, got %+v", rec)
	}
	if rec.VenueOrderID != "vo-1" {
		t.Fatalf("expected venue order id on record, got %q", rec.VenueOrderID)
	}
	if rec.Side != decision.Long || rec.Size != 2 {
		t.Fatalf("unexpected record contents: %+v", rec)
	}
	if fv.submits != 1 {
		t.Fatalf("expected exactly one submit, got %d", fv.submits)
	}
	if stored, ok := book.Get(rec.CorrelationID); !ok || stored.CorrelationID != rec.CorrelationID {
		t.Fatalf("record missing from book")
	}
}

func TestDispatchIsIdempotentPerCorrelationID(t *testing.T) {
	fv := &fakeVenue{}
	dispatcher, _ := newTestDispatcher(fv)
	plan := enterPlan(decision.EnterLong)

	first, err := dispatcher.Dispatch(context.Background(), plan)
	if err != nil {
		t.Fatalf("first Dispatch error: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := dispatcher.Dispatch(context.Background(), plan)
		if err != nil {
			t.Fatalf("redelivered Dispatch error: %v", err)
		}
		if again.CorrelationID != first.CorrelationID {
			t.Fatalf("expected same record on redelivery")
		}
	}
	if fv.submits != 1 {
		t.Fatalf("expected one submit across redeliveries, got %d", fv.submits)
	}
}

func TestDispatchFlattenDeliveredTwiceRunsOnce(t *testing.T) {
	fv := &fakeVenue{}
	dispatcher, _ := newTestDispatcher(fv)
	plan := enterPlan(decision.Exit)
	plan.Reason = decision.ReasonExplicitFlatten
	plan.Position.HasOpenPosition = true
	plan.Position.PositionSide = decision.Long

	if _, err := dispatcher.Dispatch(context.Background(), plan); err != nil {
		t.Fatalf("first Dispatch error: %v", err)
	}
	if _, err := dispatcher.Dispatch(context.Background(), plan); err != nil {
		t.Fatalf("second Dispatch error: %v", err)
	}
	if fv.flattens != 1 {
		t.Fatalf("expected exactly one flatten, got %d", fv.flattens)
	}
}

func TestDispatchRetriesTransientOnce(t *testing.T) {
	fv := &fakeVenue{failures: 1}
	dispatcher, _ := newTestDispatcher(fv)

	rec, err := dispatcher.Dispatch(context.Background(), enterPlan(decision.EnterLong))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if fv.submits != 2 {
		t.Fatalf("expected two attempts, got %d", fv.submits)
	}
	if rec.VenueOrderID != "vo-1" {
		t.Fatalf("expected venue order id after retry")
	}
}

func TestDispatchGivesUpAfterOneRetry(t *testing.T) {
	fv := &fakeVenue{failures: 5}
	dispatcher, book := newTestDispatcher(fv)

	rec, err := dispatcher.Dispatch(context.Background(), enterPlan(decision.EnterLong))
	if err == nil {
		t.Fatalf("expected error after retry exhaustion")
	}
	if fv.submits != 2 {
		t.Fatalf("expected exactly two attempts, got %d", fv.submits)
	}
	// Outcome unknown: the record must stay visible for catch-up reconciliation.
	stored, ok := book.Get(rec.CorrelationID)
	if !ok || stored.Status != reconcile.StatusPending {
		t.Fatalf("expected pending record after unknown outcome, got %+v", stored)
	}
}

func TestDispatchDoesNotRetryBusinessRejection(t *testing.T) {
	fv := &fakeVenue{rejectOrder: true}
	dispatcher, _ := newTestDispatcher(fv)

	rec, err := dispatcher.Dispatch(context.Background(), enterPlan(decision.EnterLong))
	if !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if fv.submits != 1 {
		t.Fatalf("expected no retry on rejection, got %d submits", fv.submits)
	}
	if rec.Status != reconcile.StatusRejected {
		t.Fatalf("expected REJECTED record, got %s", rec.Status)
	}
}

func TestDispatchEnforcesSingleFlight(t *testing.T) {
	fv := &fakeVenue{}
	dispatcher, book := newTestDispatcher(fv)

	book.Create(reconcile.Record{
		CorrelationID: "other-cycle",
		Account:       "alpha",
		AccountID:     1001,
		Symbol:        "MES",
		Action:        decision.EnterShort,
		Status:        reconcile.StatusPending,
		CreatedAt:     time.Date(2025, 6, 2, 9, 55, 0, 0, time.UTC),
	})

	_, err := dispatcher.Dispatch(context.Background(), enterPlan(decision.EnterLong))
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if fv.submits != 0 {
		t.Fatalf("expected no submit while another order is in flight")
	}
}

func TestCorrelationIDDeterministicPerCycle(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 1, 0, time.UTC)
	a := CorrelationID("alpha", "MES", base, 5*time.Minute)
	b := CorrelationID("alpha", "MES", base.Add(90*time.Second), 5*time.Minute)
	if a != b {
		t.Fatalf("expected same id within one cycle bucket: %s vs %s", a, b)
	}
	c := CorrelationID("alpha", "MES", base.Add(5*time.Minute), 5*time.Minute)
	if a == c {
		t.Fatalf("expected different id for next cycle")
	}
	d := CorrelationID("beta", "MES", base, 5*time.Minute)
	if a == d {
		t.Fatalf("expected different id per account")
	}
}
