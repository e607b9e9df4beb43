package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"poolwatch/internal/aggregate"
	"poolwatch/internal/decode"
	"poolwatch/internal/ledger"
	"poolwatch/internal/model"
	"poolwatch/internal/store"
)

// Source is the ledger network's event query interface.
type Source interface {
	LatestLedger(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, toHint uint64, filter ledger.EventFilter) (ledger.EventPage, error)
}

// Publisher receives committed events and their aggregate deltas.
type Publisher interface {
	Publish(event model.StoredEvent, state model.PoolState)
}

// RunConfig holds runtime settings for one watcher scope.
type RunConfig struct {
	Scope        string
	Filter       ledger.EventFilter
	StartLedger  uint64
	EndLedger    uint64
	BatchSize    uint64
	PollInterval time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// DivergenceCheck triggers a periodic rebuild comparison per pool.
	// Zero disables the check.
	DivergenceCheck time.Duration
}

// Runner drives the ingestion loop for one contract scope: cursor read,
// fetch, decode, transactional store + cursor advance, aggregate fold,
// fan-out. Ranges are processed strictly in increasing ledger order.
type Runner struct {
	cfg       RunConfig
	source    Source
	store     store.Store
	engine    *aggregate.Engine
	publisher Publisher
	logger    *zap.Logger
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, source Source, st store.Store, engine *aggregate.Engine, publisher Publisher, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		source:    source,
		store:     st,
		engine:    engine,
		publisher: publisher,
		logger:    logger,
	}
}

// Run executes the ingestion loop until ctx is cancelled, a fatal error
// occurs, or the configured end ledger is reached. An in-flight range is
// committed whole or not at all.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("source is nil")
	}
	if r.store == nil {
		return fmt.Errorf("store is nil")
	}
	if r.engine == nil {
		return fmt.Errorf("engine is nil")
	}
	if r.cfg.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}

	next := r.cfg.StartLedger
	if next == 0 {
		next = 1
	}
	last, ok, err := r.store.LoadCursor(ctx, r.cfg.Scope)
	if err != nil {
		return err
	}
	if ok && last+1 > next {
		next = last + 1
		r.logger.Info("resume from cursor", zap.Uint64("last_processed", last), zap.Uint64("from", next))
	}

	if err := r.warmAggregates(ctx); err != nil {
		return err
	}

	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.cfg.EndLedger > 0 && next > r.cfg.EndLedger {
			r.logger.Info("end ledger reached", zap.Uint64("end", r.cfg.EndLedger))
			return nil
		}

		latest, err := r.latestWithRetry(ctx)
		if err != nil {
			return fmt.Errorf("latest ledger: %w", err)
		}

		if next > latest {
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		to := next + r.cfg.BatchSize - 1
		if to > latest {
			to = latest
		}
		if r.cfg.EndLedger > 0 && to > r.cfg.EndLedger {
			to = r.cfg.EndLedger
		}

		reached, err := r.processRange(ctx, next, to)
		if err != nil {
			return err
		}
		next = reached + 1

		if r.cfg.DivergenceCheck > 0 && time.Since(lastCheck) >= r.cfg.DivergenceCheck {
			r.runDivergenceCheck(ctx)
			lastCheck = time.Now()
		}
	}
}

// processRange runs one fetch-decode-persist-aggregate-publish pass and
// returns the highest ledger actually covered. The engine folds the
// range before the transactional commit so the range's snapshots land in
// the same transaction as its events; while a commit retries, reads
// served from the engine can briefly lead storage. Hub delivery still
// waits for the commit.
func (r *Runner) processRange(ctx context.Context, from, to uint64) (uint64, error) {
	r.logger.Debug("fetch events", zap.Uint64("from", from), zap.Uint64("to", to))

	page, err := r.fetchWithRetry(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch events [%d, %d]: %w", from, to, err)
	}

	records := make([]model.StoredEvent, 0, len(page.Events))
	failures := make([]model.DecodeFailure, 0)
	for _, raw := range page.Events {
		event, err := decode.Decode(raw)
		if err != nil {
			var decodeErr *model.DecodeError
			if errors.As(err, &decodeErr) {
				r.logger.Warn("decode failed",
					zap.String("event", raw.ID.String()),
					zap.String("topic0", decodeErr.Topic0),
					zap.Error(decodeErr.Err),
				)
				failures = append(failures, model.DecodeFailure{
					ID:         raw.ID,
					ContractID: raw.ContractID,
					Topic0:     decodeErr.Topic0,
					Error:      decodeErr.Err.Error(),
				})
				continue
			}
			return 0, err
		}

		record, err := event.Record()
		if err != nil {
			return 0, err
		}
		records = append(records, record)
	}

	// Failure records must land before the cursor advances past their
	// range, or the offending identities are lost to inspection.
	if len(failures) > 0 {
		err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
			if err := r.store.RecordDecodeFailures(ctx, failures); err != nil {
				r.logger.Warn("record decode failures failed", zap.Error(err))
				return err
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("record decode failures: %w", err)
		}
	}

	// The engine guard makes re-application after a failed commit
	// harmless, and a crash rebuilds from storage.
	published := make([]publishItem, 0, len(records))
	touched := make(map[string]model.PoolState)
	for _, record := range records {
		state, applied, err := r.engine.Apply(record)
		if err != nil {
			return 0, err
		}
		touched[record.PoolID] = state
		if applied {
			published = append(published, publishItem{event: record, state: state})
		}
	}
	states := make([]model.PoolState, 0, len(touched))
	for _, state := range touched {
		states = append(states, state)
	}

	inserted, err := r.commitWithRetry(ctx, records, page.ReachedLedger, states)
	if err != nil {
		return 0, err
	}

	if r.publisher != nil {
		for _, item := range published {
			r.publisher.Publish(item.event, item.state)
		}
	}

	r.logger.Info("range committed",
		zap.Uint64("from", from),
		zap.Uint64("reached", page.ReachedLedger),
		zap.Int("events", len(records)),
		zap.Int("inserted", inserted),
		zap.Int("decode_failures", len(failures)),
	)
	return page.ReachedLedger, nil
}

type publishItem struct {
	event model.StoredEvent
	state model.PoolState
}

// scopePools returns the stored pool ids this runner owns. Pool ids are
// contract ids, so the scope's filter bounds them; rebuilding another
// scope's pool here could clobber state that scope has folded but not
// yet committed.
func (r *Runner) scopePools(ctx context.Context) ([]string, error) {
	pools, err := r.store.Pools(ctx)
	if err != nil {
		return nil, err
	}
	if len(r.cfg.Filter.ContractIDs) == 0 {
		return pools, nil
	}

	owned := make(map[string]bool, len(r.cfg.Filter.ContractIDs))
	for _, id := range r.cfg.Filter.ContractIDs {
		owned[id] = true
	}
	scoped := make([]string, 0, len(pools))
	for _, pool := range pools {
		if owned[pool] {
			scoped = append(scoped, pool)
		}
	}
	return scoped, nil
}

func (r *Runner) warmAggregates(ctx context.Context) error {
	pools, err := r.scopePools(ctx)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if _, err := r.engine.Rebuild(ctx, r.store, pool); err != nil {
			return err
		}
	}
	if len(pools) > 0 {
		r.logger.Info("aggregates rebuilt", zap.Int("pools", len(pools)))
	}
	return nil
}

func (r *Runner) runDivergenceCheck(ctx context.Context) {
	pools, err := r.scopePools(ctx)
	if err != nil {
		r.logger.Warn("divergence check: list pools", zap.Error(err))
		return
	}
	for _, pool := range pools {
		if err := r.engine.CheckDivergence(ctx, r.store, pool); err != nil {
			var divergence *model.DivergenceError
			if errors.As(err, &divergence) {
				r.logger.Error("aggregate divergence detected",
					zap.String("pool", divergence.PoolID),
					zap.String("field", divergence.Field),
					zap.String("incremental", divergence.Incremental),
					zap.String("rebuilt", divergence.Rebuilt),
				)
				continue
			}
			r.logger.Warn("divergence check failed", zap.String("pool", pool), zap.Error(err))
		}
	}
}

func (r *Runner) latestWithRetry(ctx context.Context) (uint64, error) {
	var latest uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = r.source.LatestLedger(ctx)
		if err != nil {
			r.logger.Warn("latest ledger failed", zap.Error(err))
		}
		return err
	})
	return latest, err
}

func (r *Runner) fetchWithRetry(ctx context.Context, from, to uint64) (ledger.EventPage, error) {
	var page ledger.EventPage
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		page, err = r.source.FetchEvents(ctx, from, to, r.cfg.Filter)
		if err != nil {
			r.logger.Warn("fetch events failed", zap.Error(err), zap.Uint64("from", from), zap.Uint64("to", to))
		}
		return err
	})
	return page, err
}

// commitWithRetry commits the range transactionally. The commit runs on
// a context detached from cancellation so an in-flight range drains
// whole during shutdown instead of tearing mid-transaction.
func (r *Runner) commitWithRetry(ctx context.Context, records []model.StoredEvent, newSeq uint64, states []model.PoolState) (int, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var inserted int
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(context.Context) error {
		var err error
		inserted, err = r.store.CommitRange(commitCtx, r.cfg.Scope, records, newSeq, states)
		if err != nil {
			r.logger.Warn("commit range failed", zap.Error(err), zap.Uint64("to", newSeq))
		}
		return err
	})
	return inserted, err
}

func (r *Runner) sleep(ctx context.Context) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
