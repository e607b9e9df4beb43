package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"poolwatch/internal/model"
)

const (
	volumeWindow    = 24 * time.Hour
	rebuildPageSize = 500
)

// Lister is the slice of the store the engine needs for rebuilds.
type Lister interface {
	ListSince(ctx context.Context, cursor model.EventID, poolID string, limit int) ([]model.StoredEvent, error)
}

// Engine maintains derived per-pool state as a pure fold over stored
// events in identity order. Its in-memory state is a disposable
// projection; storage remains the source of truth.
type Engine struct {
	mu     sync.RWMutex
	pools  map[string]*accum
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pools:  make(map[string]*accum),
		logger: logger,
	}
}

// Apply folds one event into the pool's state and returns the updated
// snapshot. Events whose identity is not strictly greater than the
// pool's last applied identity are skipped; this is the engine's own
// idempotence backstop on top of storage-level dedup.
func (e *Engine) Apply(event model.StoredEvent) (model.PoolState, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc := e.pools[event.PoolID]
	if acc == nil {
		acc = newAccum(event.PoolID)
		e.pools[event.PoolID] = acc
	}

	applied, err := acc.apply(event)
	if err != nil {
		return model.PoolState{}, false, err
	}
	return acc.snapshot(), applied, nil
}

// Snapshot returns the current state for one pool.
func (e *Engine) Snapshot(poolID string) (model.PoolState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acc, ok := e.pools[poolID]
	if !ok {
		return model.PoolState{}, false
	}
	return acc.snapshot(), true
}

// Snapshots returns current state for pools matching filter; an empty
// filter matches all pools.
func (e *Engine) Snapshots(filter string) []model.PoolState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make([]model.PoolState, 0, len(e.pools))
	for poolID, acc := range e.pools {
		if filter != "" && poolID != filter {
			continue
		}
		states = append(states, acc.snapshot())
	}
	return states
}

// Rebuild recomputes a pool's state from storage and installs it,
// replacing the incremental projection.
func (e *Engine) Rebuild(ctx context.Context, lister Lister, poolID string) (model.PoolState, error) {
	acc, err := foldFromStorage(ctx, lister, poolID)
	if err != nil {
		return model.PoolState{}, err
	}

	e.mu.Lock()
	e.pools[poolID] = acc
	e.mu.Unlock()

	return acc.snapshot(), nil
}

// CheckDivergence rebuilds a pool from storage and compares it against
// the incremental state. On mismatch the rebuilt state is adopted and a
// DivergenceError is returned so the caller can alert.
func (e *Engine) CheckDivergence(ctx context.Context, lister Lister, poolID string) error {
	rebuilt, err := foldFromStorage(ctx, lister, poolID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.pools[poolID]
	if !ok {
		e.pools[poolID] = rebuilt
		return nil
	}

	field, incremental, want := diffStates(current.snapshot(), rebuilt.snapshot())
	if field == "" {
		return nil
	}

	e.pools[poolID] = rebuilt
	e.logger.Warn("aggregate divergence, adopting rebuilt state",
		zap.String("pool", poolID),
		zap.String("field", field),
	)
	return &model.DivergenceError{
		PoolID:      poolID,
		Field:       field,
		Incremental: incremental,
		Rebuilt:     want,
	}
}

func foldFromStorage(ctx context.Context, lister Lister, poolID string) (*accum, error) {
	acc := newAccum(poolID)
	cursor := model.EventID{}
	for {
		events, err := lister.ListSince(ctx, cursor, poolID, rebuildPageSize)
		if err != nil {
			return nil, fmt.Errorf("rebuild %s: %w", poolID, err)
		}
		if len(events) == 0 {
			return acc, nil
		}
		for _, event := range events {
			if _, err := acc.apply(event); err != nil {
				return nil, fmt.Errorf("rebuild %s: %w", poolID, err)
			}
		}
		cursor = events[len(events)-1].ID
	}
}

func diffStates(got, want model.PoolState) (field, gotVal, wantVal string) {
	switch {
	case got.ReserveA != want.ReserveA:
		return "reserve_a", got.ReserveA, want.ReserveA
	case got.ReserveB != want.ReserveB:
		return "reserve_b", got.ReserveB, want.ReserveB
	case got.Volume24h != want.Volume24h:
		return "volume_24h", got.Volume24h, want.Volume24h
	case got.DepositCount != want.DepositCount:
		return "deposit_count", fmt.Sprint(got.DepositCount), fmt.Sprint(want.DepositCount)
	case got.SwapCount != want.SwapCount:
		return "swap_count", fmt.Sprint(got.SwapCount), fmt.Sprint(want.SwapCount)
	case got.WithdrawCount != want.WithdrawCount:
		return "withdraw_count", fmt.Sprint(got.WithdrawCount), fmt.Sprint(want.WithdrawCount)
	case got.Subscribers != want.Subscribers:
		return "subscribers", fmt.Sprint(got.Subscribers), fmt.Sprint(want.Subscribers)
	case got.CurrentIteration != want.CurrentIteration:
		return "current_iteration", fmt.Sprint(got.CurrentIteration), fmt.Sprint(want.CurrentIteration)
	case got.LastEventID != want.LastEventID:
		return "last_event_id", got.LastEventID.String(), want.LastEventID.String()
	}
	return "", "", ""
}

// accum holds one pool's fold state with exact integer arithmetic.
type accum struct {
	poolID      string
	reserveA    *big.Int
	reserveB    *big.Int
	volume      *big.Int
	window      []volumeEntry
	deposits    uint64
	swaps       uint64
	withdrawals uint64
	subscribers uint64
	maxSubs     uint32
	iteration   uint32
	last        model.EventID
	lastClosed  time.Time
	hasApplied  bool
}

type volumeEntry struct {
	at     time.Time
	amount *big.Int
}

func newAccum(poolID string) *accum {
	return &accum{
		poolID:   poolID,
		reserveA: big.NewInt(0),
		reserveB: big.NewInt(0),
		volume:   big.NewInt(0),
	}
}

func (a *accum) apply(event model.StoredEvent) (bool, error) {
	if a.hasApplied && !event.ID.After(a.last) {
		return false, nil
	}

	switch event.Kind {
	case model.KindDeposit:
		var payload model.DepositEventData
		if err := json.Unmarshal(event.Decoded, &payload); err != nil {
			return false, fmt.Errorf("decode deposit %s: %w", event.ID, err)
		}
		amountA, err := parseBigInt(payload.AmountA)
		if err != nil {
			return false, err
		}
		amountB, err := parseBigInt(payload.AmountB)
		if err != nil {
			return false, err
		}
		a.reserveA.Add(a.reserveA, amountA)
		a.reserveB.Add(a.reserveB, amountB)
		a.deposits++

	case model.KindSwap:
		var payload model.SwapEventData
		if err := json.Unmarshal(event.Decoded, &payload); err != nil {
			return false, fmt.Errorf("decode swap %s: %w", event.ID, err)
		}
		amountIn, err := parseBigInt(payload.AmountIn)
		if err != nil {
			return false, err
		}
		amountOut, err := parseBigInt(payload.AmountOut)
		if err != nil {
			return false, err
		}
		switch payload.Direction {
		case model.DirectionBToA:
			a.reserveB.Add(a.reserveB, amountIn)
			a.reserveA.Sub(a.reserveA, amountOut)
		default:
			a.reserveA.Add(a.reserveA, amountIn)
			a.reserveB.Sub(a.reserveB, amountOut)
		}
		a.addVolume(event.ClosedAt, amountIn)
		a.swaps++

	case model.KindWithdraw:
		var payload model.WithdrawEventData
		if err := json.Unmarshal(event.Decoded, &payload); err != nil {
			return false, fmt.Errorf("decode withdraw %s: %w", event.ID, err)
		}
		amountA, err := parseBigInt(payload.AmountA)
		if err != nil {
			return false, err
		}
		amountB, err := parseBigInt(payload.AmountB)
		if err != nil {
			return false, err
		}
		a.reserveA.Sub(a.reserveA, amountA)
		a.reserveB.Sub(a.reserveB, amountB)
		a.withdrawals++

	case model.KindPoolInitialized:
		var payload model.PoolInitializedEventData
		if err := json.Unmarshal(event.Decoded, &payload); err != nil {
			return false, fmt.Errorf("decode init %s: %w", event.ID, err)
		}
		a.maxSubs = payload.NoOfSubs

	case model.KindSubscriberJoined:
		a.subscribers++

	case model.KindIterationStarted:
		var payload model.IterationStartedEventData
		if err := json.Unmarshal(event.Decoded, &payload); err != nil {
			return false, fmt.Errorf("decode iteration %s: %w", event.ID, err)
		}
		if payload.Iteration > a.iteration {
			a.iteration = payload.Iteration
		}

	case model.KindWinnerSelected, model.KindUnrecognized:
		// Stored and delivered, but no effect on the fold.
	}

	a.last = event.ID
	a.lastClosed = event.ClosedAt
	a.hasApplied = true
	a.pruneWindow(event.ClosedAt)
	return true, nil
}

func (a *accum) addVolume(at time.Time, amount *big.Int) {
	entry := volumeEntry{at: at, amount: new(big.Int).Abs(amount)}
	a.window = append(a.window, entry)
	a.volume.Add(a.volume, entry.amount)
}

// pruneWindow drops volume contributions older than the window relative
// to the latest ledger close time, so the rolling volume depends only on
// stored events and is identical on rebuild.
func (a *accum) pruneWindow(now time.Time) {
	cutoff := now.Add(-volumeWindow)
	kept := a.window[:0]
	for _, entry := range a.window {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
			continue
		}
		a.volume.Sub(a.volume, entry.amount)
	}
	a.window = kept
}

func (a *accum) snapshot() model.PoolState {
	return model.PoolState{
		PoolID:           a.poolID,
		ReserveA:         a.reserveA.String(),
		ReserveB:         a.reserveB.String(),
		Volume24h:        a.volume.String(),
		DepositCount:     a.deposits,
		SwapCount:        a.swaps,
		WithdrawCount:    a.withdrawals,
		Subscribers:      a.subscribers,
		MaxSubscribers:   a.maxSubs,
		CurrentIteration: a.iteration,
		LastEventID:      a.last,
		UpdatedAt:        a.lastClosed,
	}
}

func parseBigInt(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}
