package decode

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"poolwatch/internal/model"
)

// Contract event topic symbols emitted by the pool contract.
const (
	topicDeposit  = "deposit"
	topicSwap     = "swap"
	topicWithdraw = "withdraw"
	topicInit     = "init"
	topicJoin     = "join"
	topicWinner   = "winner"
	topicIter     = "iter"
)

// Decode turns a raw event into a typed DomainEvent. It is pure and
// stateless. Unknown topic shapes decode to the unrecognized variant;
// only a malformed payload for a known topic returns a DecodeError.
func Decode(raw model.RawEvent) (model.DomainEvent, error) {
	event := model.DomainEvent{
		ID:        raw.ID,
		PoolID:    raw.ContractID,
		ClosedAt:  raw.ClosedAt,
		DecodedAt: time.Now().UTC(),
	}

	topic0 := raw.Topic0()
	decoded, kind, err := decodePayload(topic0, raw.Data)
	if err != nil {
		return model.DomainEvent{}, &model.DecodeError{ID: raw.ID, Topic0: topic0, Err: err}
	}

	event.Kind = kind
	event.Decoded = decoded
	return event, nil
}

func decodePayload(topic0 string, data []byte) (interface{}, string, error) {
	switch topic0 {
	case topicDeposit:
		var payload model.DepositEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		if err := requireAmounts(payload.AmountA, payload.AmountB); err != nil {
			return nil, "", err
		}
		return payload, model.KindDeposit, nil

	case topicSwap:
		var payload model.SwapEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		if err := requireAmounts(payload.AmountIn, payload.AmountOut); err != nil {
			return nil, "", err
		}
		if payload.Direction != model.DirectionAToB && payload.Direction != model.DirectionBToA {
			return nil, "", fmt.Errorf("invalid swap direction: %q", payload.Direction)
		}
		return payload, model.KindSwap, nil

	case topicWithdraw:
		var payload model.WithdrawEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		if err := requireAmounts(payload.AmountA, payload.AmountB); err != nil {
			return nil, "", err
		}
		return payload, model.KindWithdraw, nil

	case topicInit:
		var payload model.PoolInitializedEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		if err := requireAmounts(payload.SubAmount); err != nil {
			return nil, "", err
		}
		return payload, model.KindPoolInitialized, nil

	case topicJoin:
		var payload model.SubscriberJoinedEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		return payload, model.KindSubscriberJoined, nil

	case topicWinner:
		var payload model.WinnerSelectedEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		if err := requireAmounts(payload.PrizeAmount); err != nil {
			return nil, "", err
		}
		return payload, model.KindWinnerSelected, nil

	case topicIter:
		var payload model.IterationStartedEventData
		if err := unmarshalPayload(data, &payload); err != nil {
			return nil, "", err
		}
		return payload, model.KindIterationStarted, nil

	default:
		return model.UnrecognizedEventData{Topic0: topic0}, model.KindUnrecognized, nil
	}
}

func unmarshalPayload(data []byte, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func requireAmounts(values ...string) error {
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := new(big.Int).SetString(value, 10); !ok {
			return fmt.Errorf("invalid amount: %q", value)
		}
	}
	return nil
}
