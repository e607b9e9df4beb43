package model

// DecodeFailure records a decode failure for later inspection. The raw
// identity never advances into the event store.
type DecodeFailure struct {
	ID         EventID `json:"id"`
	ContractID string  `json:"contract_id"`
	Topic0     string  `json:"topic0"`
	Error      string  `json:"error"`
}
