package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolwatch/internal/model"
)

//go:embed schema.sql
var schema string

// Store provides Postgres persistence for events, cursors, and aggregate
// snapshots.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return &model.StorageError{Op: "ensure schema", Err: err}
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// LoadCursor returns the last processed ledger sequence for a scope.
func (s *Store) LoadCursor(ctx context.Context, scope string) (uint64, bool, error) {
	if scope == "" {
		return 0, false, fmt.Errorf("scope is required")
	}
	var seq uint64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_sequence FROM watcher_cursor WHERE scope=$1`, scope)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, &model.StorageError{Op: "load cursor", Err: err}
	}
	return seq, true, nil
}

// CommitRange upserts events, advances the cursor, and saves snapshots in
// one transaction.
func (s *Store) CommitRange(ctx context.Context, scope string, events []model.StoredEvent, newSeq uint64, states []model.PoolState) (int, error) {
	if scope == "" {
		return 0, fmt.Errorf("scope is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &model.StorageError{Op: "begin commit range", Err: err}
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, event := range events {
		tag, err := tx.Exec(ctx, `
			INSERT INTO events (
				ledger_sequence, transaction_index, operation_index, event_index,
				pool_id, kind, closed_at, decoded, ingested_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (ledger_sequence, transaction_index, operation_index, event_index)
			DO NOTHING
		`,
			int64(event.ID.LedgerSequence),
			int32(event.ID.TransactionIndex),
			int32(event.ID.OperationIndex),
			int32(event.ID.EventIndex),
			event.PoolID,
			event.Kind,
			event.ClosedAt,
			[]byte(event.Decoded),
			event.IngestedAt,
		)
		if err != nil {
			return 0, &model.StorageError{Op: "upsert event", Err: err}
		}
		inserted += int(tag.RowsAffected())
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO watcher_cursor (scope, last_processed_sequence, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (scope) DO UPDATE
		SET last_processed_sequence = GREATEST(watcher_cursor.last_processed_sequence, EXCLUDED.last_processed_sequence),
		    updated_at = now()
	`, scope, int64(newSeq)); err != nil {
		return 0, &model.StorageError{Op: "advance cursor", Err: err}
	}

	for _, state := range states {
		if err := upsertPoolState(ctx, tx, state); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &model.StorageError{Op: "commit range", Err: err}
	}
	return inserted, nil
}

func upsertPoolState(ctx context.Context, tx pgx.Tx, state model.PoolState) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO pool_state (
			pool_id, reserve_a, reserve_b, volume_24h,
			deposit_count, swap_count, withdraw_count,
			subscribers, max_subscribers, current_iteration,
			last_ledger_sequence, last_transaction_index, last_operation_index, last_event_index,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (pool_id) DO UPDATE SET
			reserve_a = EXCLUDED.reserve_a,
			reserve_b = EXCLUDED.reserve_b,
			volume_24h = EXCLUDED.volume_24h,
			deposit_count = EXCLUDED.deposit_count,
			swap_count = EXCLUDED.swap_count,
			withdraw_count = EXCLUDED.withdraw_count,
			subscribers = EXCLUDED.subscribers,
			max_subscribers = EXCLUDED.max_subscribers,
			current_iteration = EXCLUDED.current_iteration,
			last_ledger_sequence = EXCLUDED.last_ledger_sequence,
			last_transaction_index = EXCLUDED.last_transaction_index,
			last_operation_index = EXCLUDED.last_operation_index,
			last_event_index = EXCLUDED.last_event_index,
			updated_at = EXCLUDED.updated_at
	`,
		state.PoolID,
		state.ReserveA,
		state.ReserveB,
		state.Volume24h,
		int64(state.DepositCount),
		int64(state.SwapCount),
		int64(state.WithdrawCount),
		int64(state.Subscribers),
		int32(state.MaxSubscribers),
		int32(state.CurrentIteration),
		int64(state.LastEventID.LedgerSequence),
		int32(state.LastEventID.TransactionIndex),
		int32(state.LastEventID.OperationIndex),
		int32(state.LastEventID.EventIndex),
		state.UpdatedAt,
	)
	if err != nil {
		return &model.StorageError{Op: "upsert pool state", Err: err}
	}
	return nil
}

// ListSince returns events after cursor in identity order.
func (s *Store) ListSince(ctx context.Context, cursor model.EventID, poolID string, limit int) ([]model.StoredEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT ledger_sequence, transaction_index, operation_index, event_index,
		       pool_id, kind, closed_at, decoded, ingested_at
		FROM events
		WHERE (ledger_sequence, transaction_index, operation_index, event_index)
		      > ($1, $2, $3, $4)
	`
	args := []interface{}{
		int64(cursor.LedgerSequence),
		int32(cursor.TransactionIndex),
		int32(cursor.OperationIndex),
		int32(cursor.EventIndex),
	}
	if poolID != "" {
		query += ` AND pool_id = $5`
		args = append(args, poolID)
	}
	query += ` ORDER BY ledger_sequence, transaction_index, operation_index, event_index LIMIT ` + fmt.Sprintf("%d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &model.StorageError{Op: "list since", Err: err}
	}
	defer rows.Close()

	events := make([]model.StoredEvent, 0, limit)
	for rows.Next() {
		var (
			event   model.StoredEvent
			ledger  int64
			txIdx   int32
			opIdx   int32
			evIdx   int32
			decoded []byte
		)
		if err := rows.Scan(&ledger, &txIdx, &opIdx, &evIdx,
			&event.PoolID, &event.Kind, &event.ClosedAt, &decoded, &event.IngestedAt); err != nil {
			return nil, &model.StorageError{Op: "scan event", Err: err}
		}
		event.ID = model.EventID{
			LedgerSequence:   uint64(ledger),
			TransactionIndex: uint32(txIdx),
			OperationIndex:   uint32(opIdx),
			EventIndex:       uint32(evIdx),
		}
		event.Decoded = decoded
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "list since", Err: err}
	}
	return events, nil
}

// Pools returns the distinct pool ids present in the event log.
func (s *Store) Pools(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT pool_id FROM events ORDER BY pool_id`)
	if err != nil {
		return nil, &model.StorageError{Op: "list pools", Err: err}
	}
	defer rows.Close()

	var pools []string
	for rows.Next() {
		var pool string
		if err := rows.Scan(&pool); err != nil {
			return nil, &model.StorageError{Op: "scan pool", Err: err}
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "list pools", Err: err}
	}
	return pools, nil
}

// RecordDecodeFailures stores undecodable raw identities.
func (s *Store) RecordDecodeFailures(ctx context.Context, failures []model.DecodeFailure) error {
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, failure := range failures {
		batch.Queue(`
			INSERT INTO decode_failures (
				ledger_sequence, transaction_index, operation_index, event_index,
				contract_id, topic0, error, recorded_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
			ON CONFLICT (ledger_sequence, transaction_index, operation_index, event_index)
			DO NOTHING
		`,
			int64(failure.ID.LedgerSequence),
			int32(failure.ID.TransactionIndex),
			int32(failure.ID.OperationIndex),
			int32(failure.ID.EventIndex),
			failure.ContractID,
			failure.Topic0,
			failure.Error,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range failures {
		if _, err := br.Exec(); err != nil {
			return &model.StorageError{Op: "record decode failure", Err: err}
		}
	}
	return nil
}

// LoadPoolStates returns the saved aggregate snapshots.
func (s *Store) LoadPoolStates(ctx context.Context) ([]model.PoolState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, reserve_a, reserve_b, volume_24h,
		       deposit_count, swap_count, withdraw_count,
		       subscribers, max_subscribers, current_iteration,
		       last_ledger_sequence, last_transaction_index, last_operation_index, last_event_index,
		       updated_at
		FROM pool_state ORDER BY pool_id
	`)
	if err != nil {
		return nil, &model.StorageError{Op: "load pool states", Err: err}
	}
	defer rows.Close()

	var states []model.PoolState
	for rows.Next() {
		var (
			state  model.PoolState
			ledger int64
			txIdx  int32
			opIdx  int32
			evIdx  int32
		)
		if err := rows.Scan(&state.PoolID, &state.ReserveA, &state.ReserveB, &state.Volume24h,
			&state.DepositCount, &state.SwapCount, &state.WithdrawCount,
			&state.Subscribers, &state.MaxSubscribers, &state.CurrentIteration,
			&ledger, &txIdx, &opIdx, &evIdx, &state.UpdatedAt); err != nil {
			return nil, &model.StorageError{Op: "scan pool state", Err: err}
		}
		state.LastEventID = model.EventID{
			LedgerSequence:   uint64(ledger),
			TransactionIndex: uint32(txIdx),
			OperationIndex:   uint32(opIdx),
			EventIndex:       uint32(evIdx),
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "load pool states", Err: err}
	}
	return states, nil
}
