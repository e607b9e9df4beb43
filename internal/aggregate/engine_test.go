package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"poolwatch/internal/model"
	"poolwatch/internal/store"
)

const testPool = "CPOOL1"

func event(t *testing.T, id model.EventID, kind, payload string, closedAt time.Time) model.StoredEvent {
	t.Helper()
	return model.StoredEvent{
		ID:       id,
		PoolID:   testPool,
		Kind:     kind,
		ClosedAt: closedAt,
		Decoded:  []byte(payload),
	}
}

// scenarioEvents builds the three-event deposit/swap/withdraw sequence.
func scenarioEvents(t *testing.T) []model.StoredEvent {
	t.Helper()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return []model.StoredEvent{
		event(t, model.EventID{LedgerSequence: 10}, model.KindDeposit,
			`{"account":"GABC","amount_a":"100","amount_b":"200"}`, base),
		event(t, model.EventID{LedgerSequence: 10, EventIndex: 1}, model.KindSwap,
			`{"account":"GABC","amount_in":"50","amount_out":"66","direction":"a_to_b"}`, base.Add(5*time.Second)),
		event(t, model.EventID{LedgerSequence: 11}, model.KindWithdraw,
			`{"account":"GABC","amount_a":"30","amount_b":"0"}`, base.Add(10*time.Second)),
	}
}

func TestScenarioIncremental(t *testing.T) {
	engine := NewEngine(nil)

	var state model.PoolState
	for _, ev := range scenarioEvents(t) {
		var applied bool
		var err error
		state, applied, err = engine.Apply(ev)
		if err != nil {
			t.Fatalf("apply %s: %v", ev.ID, err)
		}
		if !applied {
			t.Fatalf("event %s should have applied", ev.ID)
		}
	}

	if state.ReserveA != "120" {
		t.Fatalf("reserve_a = %s, want 120", state.ReserveA)
	}
	if state.ReserveB != "134" {
		t.Fatalf("reserve_b = %s, want 134", state.ReserveB)
	}
	if state.Volume24h != "50" {
		t.Fatalf("volume_24h = %s, want 50", state.Volume24h)
	}
	want := model.EventID{LedgerSequence: 11}
	if state.LastEventID != want {
		t.Fatalf("last_event_id = %s, want %s", state.LastEventID, want)
	}
}

func TestApplyIdempotenceBackstop(t *testing.T) {
	engine := NewEngine(nil)

	events := scenarioEvents(t)
	for _, ev := range events {
		if _, _, err := engine.Apply(ev); err != nil {
			t.Fatalf("apply %s: %v", ev.ID, err)
		}
	}

	// Re-applying any earlier event must be skipped, not double counted.
	for _, ev := range events {
		state, applied, err := engine.Apply(ev)
		if err != nil {
			t.Fatalf("re-apply %s: %v", ev.ID, err)
		}
		if applied {
			t.Fatalf("event %s applied twice", ev.ID)
		}
		if state.ReserveA != "120" || state.ReserveB != "134" {
			t.Fatalf("state changed on re-apply: %+v", state)
		}
	}
}

func TestRebuildMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	engine := NewEngine(nil)

	events := scenarioEvents(t)
	events = append(events,
		event(t, model.EventID{LedgerSequence: 12}, model.KindSubscriberJoined,
			`{"account":"GXYZ"}`, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)),
		event(t, model.EventID{LedgerSequence: 13}, model.KindIterationStarted,
			`{"iteration":2}`, time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)),
	)
	if _, err := mem.CommitRange(ctx, "main", events, 13, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var incremental model.PoolState
	for _, ev := range events {
		var err error
		incremental, _, err = engine.Apply(ev)
		if err != nil {
			t.Fatalf("apply %s: %v", ev.ID, err)
		}
	}

	fresh := NewEngine(nil)
	rebuilt, err := fresh.Rebuild(ctx, mem, testPool)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if rebuilt != incremental {
		t.Fatalf("rebuild diverged:\nincremental %+v\nrebuilt     %+v", incremental, rebuilt)
	}
}

func TestVolumeWindowExpires(t *testing.T) {
	engine := NewEngine(nil)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	swaps := []model.StoredEvent{
		event(t, model.EventID{LedgerSequence: 10}, model.KindSwap,
			`{"amount_in":"50","amount_out":"40","direction":"a_to_b"}`, base),
		event(t, model.EventID{LedgerSequence: 11}, model.KindSwap,
			`{"amount_in":"30","amount_out":"20","direction":"a_to_b"}`, base.Add(12*time.Hour)),
		// 25h after the first swap, which must have rolled off.
		event(t, model.EventID{LedgerSequence: 12}, model.KindSwap,
			`{"amount_in":"10","amount_out":"5","direction":"a_to_b"}`, base.Add(25*time.Hour)),
	}

	var state model.PoolState
	for _, ev := range swaps {
		var err error
		state, _, err = engine.Apply(ev)
		if err != nil {
			t.Fatalf("apply %s: %v", ev.ID, err)
		}
	}

	if state.Volume24h != "40" {
		t.Fatalf("volume_24h = %s, want 40", state.Volume24h)
	}
}

func TestCheckDivergenceAdoptsRebuiltState(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	engine := NewEngine(nil)

	events := scenarioEvents(t)
	if _, err := mem.CommitRange(ctx, "main", events, 11, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Feed the engine only a prefix so its state diverges from storage.
	if _, _, err := engine.Apply(events[0]); err != nil {
		t.Fatalf("apply: %v", err)
	}

	err := engine.CheckDivergence(ctx, mem, testPool)
	var divergence *model.DivergenceError
	if !errors.As(err, &divergence) {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	if divergence.PoolID != testPool {
		t.Fatalf("pool mismatch: %s", divergence.PoolID)
	}

	// The rebuilt state must now be in place and a re-check must pass.
	state, ok := engine.Snapshot(testPool)
	if !ok || state.ReserveA != "120" {
		t.Fatalf("rebuilt state not adopted: %+v", state)
	}
	if err := engine.CheckDivergence(ctx, mem, testPool); err != nil {
		t.Fatalf("re-check should pass: %v", err)
	}
}
