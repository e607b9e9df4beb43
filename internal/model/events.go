package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds produced by the decoder. Unrecognized absorbs topic shapes
// introduced by future contract versions.
const (
	KindDeposit          = "deposit"
	KindSwap             = "swap"
	KindWithdraw         = "withdraw"
	KindPoolInitialized  = "pool_initialized"
	KindSubscriberJoined = "subscriber_joined"
	KindWinnerSelected   = "winner_selected"
	KindIterationStarted = "iteration_started"
	KindUnrecognized     = "unrecognized"
)

// Swap directions.
const (
	DirectionAToB = "a_to_b"
	DirectionBToA = "b_to_a"
)

// RawEvent is a contract event as delivered by the ledger network, before
// decoding. Topics and Data carry the network's encoded payload.
type RawEvent struct {
	ID         EventID   `json:"id"`
	ContractID string    `json:"contract_id"`
	Topics     [][]byte  `json:"topics"`
	Data       []byte    `json:"data"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Topic0 returns the leading topic symbol, or "" when absent.
func (r RawEvent) Topic0() string {
	if len(r.Topics) == 0 {
		return ""
	}
	return string(r.Topics[0])
}

// DomainEvent is a decoded, typed contract event. Immutable once created.
type DomainEvent struct {
	ID        EventID     `json:"id"`
	PoolID    string      `json:"pool_id"`
	Kind      string      `json:"kind"`
	ClosedAt  time.Time   `json:"closed_at"`
	DecodedAt time.Time   `json:"decoded_at"`
	Decoded   interface{} `json:"decoded"`
}

// Record converts the event into its storable representation.
func (e DomainEvent) Record() (StoredEvent, error) {
	payload, err := json.Marshal(e.Decoded)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return StoredEvent{
		ID:         e.ID,
		PoolID:     e.PoolID,
		Kind:       e.Kind,
		ClosedAt:   e.ClosedAt,
		Decoded:    payload,
		IngestedAt: e.DecodedAt,
	}, nil
}

// StoredEvent is the persisted row shape of a DomainEvent. Append-only;
// rows are inserted at most once per identity and never updated.
type StoredEvent struct {
	ID         EventID         `json:"id"`
	PoolID     string          `json:"pool_id"`
	Kind       string          `json:"kind"`
	ClosedAt   time.Time       `json:"closed_at"`
	Decoded    json.RawMessage `json:"decoded"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// DepositEventData is the decoded deposit payload. Amounts are
// string-encoded integers in the ledger's native fixed-point units.
type DepositEventData struct {
	Account string `json:"account"`
	AmountA string `json:"amount_a"`
	AmountB string `json:"amount_b"`
}

// SwapEventData is the decoded swap payload.
type SwapEventData struct {
	Account   string `json:"account"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	Direction string `json:"direction"`
}

// WithdrawEventData is the decoded withdraw payload.
type WithdrawEventData struct {
	Account string `json:"account"`
	AmountA string `json:"amount_a"`
	AmountB string `json:"amount_b"`
}

// PoolInitializedEventData is the decoded pool initialization payload.
type PoolInitializedEventData struct {
	Owner     string `json:"owner"`
	SubAmount string `json:"sub_amount"`
	NoOfSubs  uint32 `json:"no_of_subs"`
	Frequency string `json:"frequency"`
}

// SubscriberJoinedEventData is the decoded join payload.
type SubscriberJoinedEventData struct {
	Account string `json:"account"`
}

// WinnerSelectedEventData is the decoded winner payload.
type WinnerSelectedEventData struct {
	Iteration   uint32 `json:"iteration"`
	Account     string `json:"account"`
	PrizeAmount string `json:"prize_amount"`
}

// IterationStartedEventData is the decoded iteration payload.
type IterationStartedEventData struct {
	Iteration uint32 `json:"iteration"`
}

// UnrecognizedEventData preserves the topic of an event whose shape the
// decoder does not know. Such events are stored but do not affect
// aggregate state.
type UnrecognizedEventData struct {
	Topic0 string `json:"topic0"`
}
