package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"poolwatch/internal/model"
)

// EventFilter restricts which contract events a fetch returns.
type EventFilter struct {
	ContractIDs []string
	Topic0      []string
}

// EventPage is one fetched batch. ReachedLedger is the highest ledger the
// page actually covers, which may be below the requested hint; it is the
// unit of ingestion progress.
type EventPage struct {
	Events        []model.RawEvent
	ReachedLedger uint64
}

// Client queries the ledger network's JSON-RPC event interface.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for the given RPC endpoint URL.
func NewClient(endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rpc endpoint is required")
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeRateLimited  = -32097
	codeOutsideRange = -32600
)

type latestLedgerResult struct {
	Sequence uint64 `json:"sequence"`
}

type getEventsParams struct {
	StartLedger uint64        `json:"startLedger"`
	EndLedger   uint64        `json:"endLedger"`
	Filters     []eventFilter `json:"filters,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

type eventFilter struct {
	ContractIDs []string `json:"contractIds,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

type getEventsResult struct {
	Events       []wireEvent `json:"events"`
	LatestLedger uint64      `json:"latestLedger"`
	OldestLedger uint64      `json:"oldestLedger"`
	// ReachedLedger is the last ledger the server scanned for this page.
	ReachedLedger uint64 `json:"reachedLedger"`
}

type wireEvent struct {
	LedgerSequence   uint64   `json:"ledgerSequence"`
	TransactionIndex uint32   `json:"transactionIndex"`
	OperationIndex   uint32   `json:"operationIndex"`
	EventIndex       uint32   `json:"eventIndex"`
	ContractID       string   `json:"contractId"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	LedgerClosedAt   string   `json:"ledgerClosedAt"`
}

// LatestLedger returns the sequence of the most recently closed ledger.
func (c *Client) LatestLedger(ctx context.Context) (uint64, error) {
	var result latestLedgerResult
	if err := c.call(ctx, "getLatestLedger", nil, &result); err != nil {
		return 0, err
	}
	return result.Sequence, nil
}

// FetchEvents returns contract events in [from, toHint], filtered. The
// server may cover fewer ledgers than requested; callers must advance by
// the page's ReachedLedger, not the hint.
func (c *Client) FetchEvents(ctx context.Context, from, toHint uint64, filter EventFilter) (EventPage, error) {
	params := getEventsParams{
		StartLedger: from,
		EndLedger:   toHint,
	}
	if len(filter.ContractIDs) > 0 || len(filter.Topic0) > 0 {
		params.Filters = []eventFilter{{
			ContractIDs: filter.ContractIDs,
			Topics:      filter.Topic0,
		}}
	}

	var result getEventsResult
	if err := c.call(ctx, "getEvents", params, &result); err != nil {
		return EventPage{}, err
	}

	if result.OldestLedger > 0 && from < result.OldestLedger {
		return EventPage{}, &model.FatalSourceError{
			Err: fmt.Errorf("ledger %d no longer retained, oldest available is %d", from, result.OldestLedger),
		}
	}

	page := EventPage{
		Events:        make([]model.RawEvent, 0, len(result.Events)),
		ReachedLedger: result.ReachedLedger,
	}
	if page.ReachedLedger == 0 {
		page.ReachedLedger = toHint
		if result.LatestLedger > 0 && result.LatestLedger < toHint {
			page.ReachedLedger = result.LatestLedger
		}
	}

	for _, ev := range result.Events {
		raw, err := decodeWireEvent(ev)
		if err != nil {
			return EventPage{}, &model.TransientSourceError{Err: err}
		}
		page.Events = append(page.Events, raw)
	}

	return page, nil
}

func decodeWireEvent(ev wireEvent) (model.RawEvent, error) {
	topics := make([][]byte, 0, len(ev.Topics))
	for _, topic := range ev.Topics {
		decoded, err := base64.StdEncoding.DecodeString(topic)
		if err != nil {
			return model.RawEvent{}, fmt.Errorf("decode topic: %w", err)
		}
		topics = append(topics, decoded)
	}

	data, err := base64.StdEncoding.DecodeString(ev.Data)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("decode event data: %w", err)
	}

	closedAt, err := time.Parse(time.RFC3339, ev.LedgerClosedAt)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("parse ledger close time: %w", err)
	}

	return model.RawEvent{
		ID: model.EventID{
			LedgerSequence:   ev.LedgerSequence,
			TransactionIndex: ev.TransactionIndex,
			OperationIndex:   ev.OperationIndex,
			EventIndex:       ev.EventIndex,
		},
		ContractID: ev.ContractID,
		Topics:     topics,
		Data:       data,
		ClosedAt:   closedAt.UTC(),
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &model.TransientSourceError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &model.TransientSourceError{Err: fmt.Errorf("%s: http status %d", method, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &model.FatalSourceError{Err: fmt.Errorf("%s: http status %d", method, resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &model.TransientSourceError{Err: fmt.Errorf("decode %s response: %w", method, err)}
	}
	if rpcResp.Error != nil {
		rpcErr := fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		switch rpcResp.Error.Code {
		case codeRateLimited:
			return &model.TransientSourceError{Err: rpcErr}
		case codeOutsideRange:
			return &model.FatalSourceError{Err: rpcErr}
		default:
			return &model.TransientSourceError{Err: rpcErr}
		}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return &model.TransientSourceError{Err: fmt.Errorf("unmarshal %s result: %w", method, err)}
		}
	}

	return nil
}
