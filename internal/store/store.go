package store

import (
	"context"

	"poolwatch/internal/model"
)

// Store is the durable backing for events, the ingestion cursor, and
// aggregate snapshots. Events and the cursor for a range commit as one
// atomic unit, so an advanced cursor always implies visible events.
type Store interface {
	// LoadCursor returns the last fully processed ledger sequence for a
	// scope, or ok=false when the scope has never committed.
	LoadCursor(ctx context.Context, scope string) (uint64, bool, error)

	// CommitRange atomically upserts a range's events, advances the scope
	// cursor to newSeq, and saves the given aggregate snapshots. Duplicate
	// identities are no-ops; the returned count is newly inserted rows.
	CommitRange(ctx context.Context, scope string, events []model.StoredEvent, newSeq uint64, states []model.PoolState) (int, error)

	// ListSince returns stored events with identity strictly greater than
	// cursor, ordered by identity tuple ascending. poolID narrows to one
	// pool when non-empty.
	ListSince(ctx context.Context, cursor model.EventID, poolID string, limit int) ([]model.StoredEvent, error)

	// Pools returns the distinct pool ids present in the event log.
	Pools(ctx context.Context) ([]string, error)

	// RecordDecodeFailures records undecodable raw identities for later
	// inspection. Duplicates are no-ops.
	RecordDecodeFailures(ctx context.Context, failures []model.DecodeFailure) error

	// LoadPoolStates returns the saved aggregate snapshots.
	LoadPoolStates(ctx context.Context) ([]model.PoolState, error)
}
