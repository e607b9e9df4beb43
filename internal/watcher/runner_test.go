package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"poolwatch/internal/aggregate"
	"poolwatch/internal/ledger"
	"poolwatch/internal/model"
	"poolwatch/internal/store"
)

type fetchCall struct {
	from uint64
	to   uint64
}

type fakeSource struct {
	latest uint64
	pages  map[uint64]ledger.EventPage
	errs   map[uint64]error
	calls  []fetchCall
}

func (f *fakeSource) LatestLedger(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeSource) FetchEvents(ctx context.Context, from, to uint64, filter ledger.EventFilter) (ledger.EventPage, error) {
	f.calls = append(f.calls, fetchCall{from: from, to: to})
	if err, ok := f.errs[from]; ok {
		delete(f.errs, from)
		return ledger.EventPage{}, err
	}
	if page, ok := f.pages[from]; ok {
		return page, nil
	}
	return ledger.EventPage{ReachedLedger: to}, nil
}

type recordedPublish struct {
	event model.StoredEvent
	state model.PoolState
}

type recorder struct {
	mu        sync.Mutex
	published []recordedPublish
}

func (r *recorder) Publish(event model.StoredEvent, state model.PoolState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, recordedPublish{event: event, state: state})
}

func (r *recorder) all() []recordedPublish {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedPublish(nil), r.published...)
}

func raw(ledgerSeq uint64, eventIdx uint32, topic, payload string) model.RawEvent {
	return model.RawEvent{
		ID:         model.EventID{LedgerSequence: ledgerSeq, EventIndex: eventIdx},
		ContractID: "CPOOL1",
		Topics:     [][]byte{[]byte(topic)},
		Data:       []byte(payload),
		ClosedAt:   time.Unix(int64(1700000000+ledgerSeq), 0).UTC(),
	}
}

func testConfig(start, end uint64) RunConfig {
	return RunConfig{
		Scope:        "main",
		StartLedger:  start,
		EndLedger:    end,
		BatchSize:    100,
		PollInterval: time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func TestRunnerProcessesAndPublishes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	engine := aggregate.NewEngine(nil)
	rec := &recorder{}

	source := &fakeSource{
		latest: 11,
		pages: map[uint64]ledger.EventPage{
			10: {
				Events: []model.RawEvent{
					raw(10, 0, "deposit", `{"account":"GABC","amount_a":"100","amount_b":"200"}`),
					raw(10, 1, "swap", `{"account":"GABC","amount_in":"50","amount_out":"66","direction":"a_to_b"}`),
					raw(11, 0, "withdraw", `{"account":"GABC","amount_a":"30","amount_b":"0"}`),
				},
				ReachedLedger: 11,
			},
		},
	}

	runner := NewRunner(testConfig(10, 11), source, mem, engine, rec, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	seq, ok, err := mem.LoadCursor(ctx, "main")
	if err != nil || !ok {
		t.Fatalf("cursor missing: %v", err)
	}
	if seq != 11 {
		t.Fatalf("cursor = %d, want 11", seq)
	}

	events, err := mem.ListSince(ctx, model.EventID{}, "", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("stored %d events, want 3", len(events))
	}

	published := rec.all()
	if len(published) != 3 {
		t.Fatalf("published %d events, want 3", len(published))
	}
	for i := 1; i < len(published); i++ {
		if !published[i-1].event.ID.Less(published[i].event.ID) {
			t.Fatalf("publish order violated at %d", i)
		}
	}

	state, ok := engine.Snapshot("CPOOL1")
	if !ok {
		t.Fatal("missing pool state")
	}
	if state.ReserveA != "120" || state.ReserveB != "134" {
		t.Fatalf("reserves = %s/%s, want 120/134", state.ReserveA, state.ReserveB)
	}

	// The committed snapshot must match the live projection.
	saved, err := mem.LoadPoolStates(ctx)
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(saved) != 1 || saved[0] != state {
		t.Fatalf("saved snapshot mismatch: %+v != %+v", saved, state)
	}
}

func TestRunnerOverlappingPagesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	engine := aggregate.NewEngine(nil)
	rec := &recorder{}

	deposit := raw(10, 0, "deposit", `{"account":"GABC","amount_a":"100","amount_b":"200"}`)
	withdraw := raw(11, 0, "withdraw", `{"account":"GABC","amount_a":"30","amount_b":"0"}`)

	// The first page over-delivers ledger 11 but only reaches 10, so the
	// second fetch redelivers the withdraw.
	source := &fakeSource{
		latest: 11,
		pages: map[uint64]ledger.EventPage{
			10: {Events: []model.RawEvent{deposit, withdraw}, ReachedLedger: 10},
			11: {Events: []model.RawEvent{withdraw}, ReachedLedger: 11},
		},
	}

	runner := NewRunner(testConfig(10, 11), source, mem, engine, rec, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := mem.ListSince(ctx, model.EventID{}, "", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("stored %d events, want 2", len(events))
	}

	published := rec.all()
	if len(published) != 2 {
		t.Fatalf("published %d events, want 2 (no duplicate across overlap)", len(published))
	}

	state, _ := engine.Snapshot("CPOOL1")
	if state.ReserveA != "70" || state.ReserveB != "200" {
		t.Fatalf("reserves = %s/%s, want 70/200", state.ReserveA, state.ReserveB)
	}
}

func TestRunnerResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()

	first := &fakeSource{
		latest: 10,
		pages: map[uint64]ledger.EventPage{
			10: {
				Events:        []model.RawEvent{raw(10, 0, "deposit", `{"account":"GABC","amount_a":"100","amount_b":"200"}`)},
				ReachedLedger: 10,
			},
		},
	}
	runner := NewRunner(testConfig(10, 10), first, mem, aggregate.NewEngine(nil), &recorder{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Restart with a fresh engine and the same start config; the cursor
	// must win and the aggregate must be rebuilt from storage.
	second := &fakeSource{
		latest: 11,
		pages: map[uint64]ledger.EventPage{
			11: {
				Events:        []model.RawEvent{raw(11, 0, "swap", `{"account":"GABC","amount_in":"50","amount_out":"66","direction":"a_to_b"}`)},
				ReachedLedger: 11,
			},
		},
	}
	rec := &recorder{}
	engine := aggregate.NewEngine(nil)
	restarted := NewRunner(testConfig(10, 11), second, mem, engine, rec, nil)
	if err := restarted.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(second.calls) == 0 || second.calls[0].from != 11 {
		t.Fatalf("restart did not resume from cursor+1: %+v", second.calls)
	}

	published := rec.all()
	if len(published) != 1 || published[0].event.ID.LedgerSequence != 11 {
		t.Fatalf("restart republished history: %+v", published)
	}

	state, _ := engine.Snapshot("CPOOL1")
	if state.ReserveA != "150" || state.ReserveB != "134" {
		t.Fatalf("reserves = %s/%s, want 150/134", state.ReserveA, state.ReserveB)
	}
}

func TestRunnerIsolatesDecodeFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	engine := aggregate.NewEngine(nil)

	source := &fakeSource{
		latest: 10,
		pages: map[uint64]ledger.EventPage{
			10: {
				Events: []model.RawEvent{
					raw(10, 0, "deposit", `{"account":"GABC","amount_a":"bogus","amount_b":"200"}`),
					raw(10, 1, "deposit", `{"account":"GABC","amount_a":"100","amount_b":"200"}`),
				},
				ReachedLedger: 10,
			},
		},
	}

	runner := NewRunner(testConfig(10, 10), source, mem, engine, &recorder{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := mem.ListSince(ctx, model.EventID{}, "", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored %d events, want 1 (malformed event skipped)", len(events))
	}

	failures := mem.DecodeFailures()
	if len(failures) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(failures))
	}
	if failures[0].ID != (model.EventID{LedgerSequence: 10}) {
		t.Fatalf("failure identity mismatch: %s", failures[0].ID)
	}

	seq, _, err := mem.LoadCursor(ctx, "main")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if seq != 10 {
		t.Fatalf("cursor = %d, want 10 (batch must not stall)", seq)
	}
}

func TestRunnerTouchesOnlyItsScopePools(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	engine := aggregate.NewEngine(nil)

	// Another scope's pool: one event committed, a second folded into the
	// shared engine but not yet committed.
	committed := model.StoredEvent{
		ID:       model.EventID{LedgerSequence: 10},
		PoolID:   "CPOOL2",
		Kind:     model.KindDeposit,
		ClosedAt: time.Unix(1700000010, 0).UTC(),
		Decoded:  json.RawMessage(`{"account":"GABC","amount_a":"100","amount_b":"0"}`),
	}
	if _, err := mem.CommitRange(ctx, "CPOOL2", []model.StoredEvent{committed}, 10, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	inFlight := model.StoredEvent{
		ID:       model.EventID{LedgerSequence: 11},
		PoolID:   "CPOOL2",
		Kind:     model.KindDeposit,
		ClosedAt: time.Unix(1700000011, 0).UTC(),
		Decoded:  json.RawMessage(`{"account":"GABC","amount_a":"50","amount_b":"0"}`),
	}
	for _, event := range []model.StoredEvent{committed, inFlight} {
		if _, _, err := engine.Apply(event); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	source := &fakeSource{
		latest: 10,
		pages: map[uint64]ledger.EventPage{
			10: {
				Events:        []model.RawEvent{raw(10, 0, "deposit", `{"account":"GABC","amount_a":"100","amount_b":"200"}`)},
				ReachedLedger: 10,
			},
		},
	}

	// Scope CPOOL1 warms on start and runs a divergence check after its
	// range; neither may rebuild CPOOL2 over its uncommitted fold.
	cfg := testConfig(10, 10)
	cfg.Scope = "CPOOL1"
	cfg.Filter = ledger.EventFilter{ContractIDs: []string{"CPOOL1"}}
	cfg.DivergenceCheck = time.Nanosecond

	runner := NewRunner(cfg, source, mem, engine, &recorder{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if state, _ := engine.Snapshot("CPOOL1"); state.ReserveA != "100" {
		t.Fatalf("own pool not ingested: %+v", state)
	}
	state, ok := engine.Snapshot("CPOOL2")
	if !ok {
		t.Fatal("missing other scope's pool state")
	}
	if state.ReserveA != "150" {
		t.Fatalf("other scope's fold was clobbered: reserve_a = %s, want 150", state.ReserveA)
	}
	if state.LastEventID != inFlight.ID {
		t.Fatalf("other scope's cursor regressed: %s", state.LastEventID)
	}
}

type flakyFailureStore struct {
	*store.MemStore
	failuresLeft int
}

func (f *flakyFailureStore) RecordDecodeFailures(ctx context.Context, failures []model.DecodeFailure) error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return &model.StorageError{Op: "record decode failure", Err: context.DeadlineExceeded}
	}
	return f.MemStore.RecordDecodeFailures(ctx, failures)
}

func TestRunnerRetriesDecodeFailureRecords(t *testing.T) {
	ctx := context.Background()

	page := ledger.EventPage{
		Events: []model.RawEvent{
			raw(10, 0, "deposit", `{"account":"GABC","amount_a":"bogus","amount_b":"200"}`),
			raw(10, 1, "deposit", `{"account":"GABC","amount_a":"100","amount_b":"200"}`),
		},
		ReachedLedger: 10,
	}

	mem := store.NewMemStore()
	flaky := &flakyFailureStore{MemStore: mem, failuresLeft: 1}
	source := &fakeSource{latest: 10, pages: map[uint64]ledger.EventPage{10: page}}

	runner := NewRunner(testConfig(10, 10), source, flaky, aggregate.NewEngine(nil), &recorder{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run should survive one failed failure write: %v", err)
	}
	if failures := mem.DecodeFailures(); len(failures) != 1 {
		t.Fatalf("recorded %d failures, want 1 after retry", len(failures))
	}
	if seq, _, _ := mem.LoadCursor(ctx, "main"); seq != 10 {
		t.Fatalf("cursor = %d, want 10", seq)
	}

	// A persistently failing failure write must hold the cursor back so
	// the range is re-fetched, not committed with the record lost.
	mem = store.NewMemStore()
	stuck := &flakyFailureStore{MemStore: mem, failuresLeft: 100}
	source = &fakeSource{latest: 10, pages: map[uint64]ledger.EventPage{10: page}}

	runner = NewRunner(testConfig(10, 10), source, stuck, aggregate.NewEngine(nil), &recorder{}, nil)
	if err := runner.Run(ctx); err == nil {
		t.Fatal("expected error once the retry budget is spent")
	}
	if _, ok, _ := mem.LoadCursor(ctx, "main"); ok {
		t.Fatal("cursor must not advance past an unrecorded decode failure")
	}
}

func TestRunnerTransientFetchRecovers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()

	source := &fakeSource{
		latest: 10,
		errs: map[uint64]error{
			10: &model.TransientSourceError{Err: context.DeadlineExceeded},
		},
		pages: map[uint64]ledger.EventPage{
			10: {
				Events:        []model.RawEvent{raw(10, 0, "join", `{"account":"GXYZ"}`)},
				ReachedLedger: 10,
			},
		},
	}

	runner := NewRunner(testConfig(10, 10), source, mem, aggregate.NewEngine(nil), &recorder{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run should survive a transient fetch error: %v", err)
	}
	if len(source.calls) < 2 {
		t.Fatalf("expected a retried fetch, calls: %+v", source.calls)
	}
}

func TestRunnerStopsOnFatalSourceError(t *testing.T) {
	ctx := context.Background()

	source := &fakeSource{
		latest: 10,
		errs: map[uint64]error{
			10: &model.FatalSourceError{Err: context.DeadlineExceeded},
		},
	}

	runner := NewRunner(testConfig(10, 20), source, store.NewMemStore(), aggregate.NewEngine(nil), &recorder{}, nil)
	err := runner.Run(ctx)
	if err == nil {
		t.Fatal("expected fatal error to stop the loop")
	}
	if !model.IsFatalSource(err) {
		t.Fatalf("expected FatalSourceError, got %v", err)
	}
	if len(source.calls) != 1 {
		t.Fatalf("fatal errors must not be retried, calls: %+v", source.calls)
	}
}
