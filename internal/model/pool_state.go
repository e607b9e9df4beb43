package model

import "time"

// PoolState is the derived aggregate snapshot for one pool. It is a pure
// fold over that pool's stored events in identity order; amounts are
// string-encoded integers in the ledger's native units.
type PoolState struct {
	PoolID           string  `json:"pool_id"`
	ReserveA         string  `json:"reserve_a"`
	ReserveB         string  `json:"reserve_b"`
	Volume24h        string  `json:"volume_24h"`
	DepositCount     uint64  `json:"deposit_count"`
	SwapCount        uint64  `json:"swap_count"`
	WithdrawCount    uint64  `json:"withdraw_count"`
	Subscribers      uint64  `json:"subscribers"`
	MaxSubscribers   uint32  `json:"max_subscribers"`
	CurrentIteration uint32  `json:"current_iteration"`
	LastEventID      EventID `json:"last_event_id"`

	// UpdatedAt is the ledger close time of the last applied event, so the
	// snapshot is identical whether maintained incrementally or rebuilt.
	UpdatedAt time.Time `json:"updated_at"`
}
