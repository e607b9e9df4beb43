package model

import (
	"fmt"
	"strconv"
	"strings"
)

// EventID is the globally unique, totally ordered identity of a contract
// event on the ledger.
type EventID struct {
	LedgerSequence   uint64 `json:"ledger_sequence"`
	TransactionIndex uint32 `json:"transaction_index"`
	OperationIndex   uint32 `json:"operation_index"`
	EventIndex       uint32 `json:"event_index"`
}

// Compare returns -1, 0, or 1 ordering ids by their identity tuple.
func (id EventID) Compare(other EventID) int {
	if id.LedgerSequence != other.LedgerSequence {
		if id.LedgerSequence < other.LedgerSequence {
			return -1
		}
		return 1
	}
	if id.TransactionIndex != other.TransactionIndex {
		if id.TransactionIndex < other.TransactionIndex {
			return -1
		}
		return 1
	}
	if id.OperationIndex != other.OperationIndex {
		if id.OperationIndex < other.OperationIndex {
			return -1
		}
		return 1
	}
	if id.EventIndex != other.EventIndex {
		if id.EventIndex < other.EventIndex {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether id sorts strictly before other.
func (id EventID) Less(other EventID) bool {
	return id.Compare(other) < 0
}

// After reports whether id sorts strictly after other.
func (id EventID) After(other EventID) bool {
	return id.Compare(other) > 0
}

// IsZero reports whether id is the zero identity.
func (id EventID) IsZero() bool {
	return id == EventID{}
}

// Cursor renders the id in its wire cursor form "ledger-tx-op-event".
func (id EventID) Cursor() string {
	return fmt.Sprintf("%d-%d-%d-%d", id.LedgerSequence, id.TransactionIndex, id.OperationIndex, id.EventIndex)
}

func (id EventID) String() string {
	return id.Cursor()
}

// ParseCursor parses the wire cursor form produced by Cursor. An empty
// string parses to the zero identity.
func ParseCursor(s string) (EventID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EventID{}, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return EventID{}, fmt.Errorf("invalid cursor: %s", s)
	}
	ledger, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid cursor ledger: %s", s)
	}
	idx := make([]uint32, 3)
	for i, part := range parts[1:] {
		val, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return EventID{}, fmt.Errorf("invalid cursor index: %s", s)
		}
		idx[i] = uint32(val)
	}
	return EventID{
		LedgerSequence:   ledger,
		TransactionIndex: idx[0],
		OperationIndex:   idx[1],
		EventIndex:       idx[2],
	}, nil
}
