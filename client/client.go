// Package client is a Go client for the ethgate HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when the gateway answers 404.
var ErrNotFound = errors.New("not found")

// Info describes the network the gateway serves.
type Info struct {
	Blockchain  string `json:"blockchain"`
	Network     string `json:"network"`
	ChainID     uint64 `json:"chainId"`
	BlockHeight uint64 `json:"blockHeight"`
}

// Block is a block-change reported by the gateway.
type Block struct {
	Network    string `json:"network"`
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

// Record is one transaction in an address history fetched from the ledger.
type Record struct {
	BlockHeight   uint64 `json:"blockHeight"`
	TxID          string `json:"txId"`
	Confirmations uint64 `json:"confirmations"`
	From          struct {
		Addresses []string `json:"addresses"`
	} `json:"from"`
	To struct {
		Addresses []string `json:"addresses"`
	} `json:"to"`
	Data      string `json:"data"`
	Value     string `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Transaction is a stored transaction of a watched address.
type Transaction struct {
	TxID        string     `json:"tx_id"`
	Address     string     `json:"address"`
	BlockHeight int64      `json:"block_height"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	Value       string     `json:"value"`
	Data        string     `json:"data,omitempty"`
	BlockTime   *time.Time `json:"block_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Watch is an address the gateway syncs history for.
type Watch struct {
	Network      string        `json:"network"`
	Address      string        `json:"address"`
	SyncInterval time.Duration `json:"sync_interval"`
	LastHeight   int64         `json:"last_height"`
	LastSyncTime *time.Time    `json:"last_sync_time,omitempty"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Transfer describes a value transfer from the gateway's wallet. Amount and
// GasPrice are in wei; a nil GasPrice lets the gateway pick.
type Transfer struct {
	To       string
	Amount   *big.Int
	Data     string
	GasPrice *big.Int
}

// TransferResult identifies a submitted transfer.
type TransferResult struct {
	TxID     string `json:"txid"`
	From     string `json:"from"`
	GasPrice string `json:"gas_price"`
	Attempts int    `json:"attempts"`
}

// RPCError is a JSON-RPC error returned through the gateway.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is the HTTP client for the ethgate service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64
}

// NewClient creates a new gateway client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Call sends one JSON-RPC request through the gateway and decodes the result
// into result. A JSON-RPC error is returned as *RPCError.
func (c *Client) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	err := c.do(ctx, "POST", "/rpc", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}, http.StatusOK, &reply)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return reply.Error
	}
	if result == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Info returns the network the gateway serves.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, "GET", "/api/v1/info", nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LatestBlock returns the most recent block the gateway observed.
func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	var b Block
	if err := c.do(ctx, "GET", "/api/v1/blocks/latest", nil, http.StatusOK, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Transaction returns the raw node representation of a transaction.
func (c *Client) Transaction(ctx context.Context, id string) (json.RawMessage, error) {
	var tx json.RawMessage
	if err := c.do(ctx, "GET", "/api/v1/transactions/"+url.PathEscape(id), nil, http.StatusOK, &tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Propagate broadcasts a signed raw transaction and returns its id.
func (c *Client) Propagate(ctx context.Context, rawHex string) (string, error) {
	var resp struct {
		TxID string `json:"txid"`
	}
	if err := c.do(ctx, "POST", "/api/v1/transactions", map[string]string{"hex": rawHex}, http.StatusOK, &resp); err != nil {
		return "", err
	}
	c.logger.Debug("transaction propagated", "tx_id", resp.TxID)
	return resp.TxID, nil
}

// AddressTransactions returns the merged ledger history of addresses at or
// above minHeight.
func (c *Client) AddressTransactions(ctx context.Context, addresses []string, minHeight uint64) ([]Record, error) {
	q := url.Values{}
	q.Set("addresses", strings.Join(addresses, ","))
	if minHeight > 0 {
		q.Set("min_height", strconv.FormatUint(minHeight, 10))
	}
	var resp struct {
		Transactions []Record `json:"transactions"`
	}
	if err := c.do(ctx, "GET", "/api/v1/transactions?"+q.Encode(), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Balance returns the balance of address in wei.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.do(ctx, "GET", "/api/v1/addresses/"+url.PathEscape(address)+"/balance", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(resp.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", resp.Balance)
	}
	return bal, nil
}

// History lists the stored transactions of a watched address.
func (c *Client) History(ctx context.Context, address string, limit, offset int) ([]*Transaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/addresses/" + url.PathEscape(address) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Watch tells the gateway to sync the history of address. A zero interval
// uses the gateway's default.
func (c *Client) Watch(ctx context.Context, address string, interval time.Duration, startHeight int64) (*Watch, error) {
	body := map[string]interface{}{"address": address}
	if interval > 0 {
		body["sync_interval"] = interval.String()
	}
	if startHeight > 0 {
		body["start_height"] = startHeight
	}

	var resp watchResponse
	req, err := c.newRequest(ctx, "POST", "/api/v1/watches", body)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusCreated && httpResp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(httpResp)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("address watched", "address", address, "sync_interval", resp.SyncInterval)
	return responseToWatch(&resp)
}

// Unwatch stops syncing address.
func (c *Client) Unwatch(ctx context.Context, address string) error {
	if err := c.do(ctx, "DELETE", "/api/v1/watches/"+url.PathEscape(address), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("address unwatched", "address", address)
	return nil
}

// GetWatch returns the watch of address.
func (c *Client) GetWatch(ctx context.Context, address string) (*Watch, error) {
	var resp watchResponse
	if err := c.do(ctx, "GET", "/api/v1/watches/"+url.PathEscape(address), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return responseToWatch(&resp)
}

// ListWatches returns every watch on the gateway's network.
func (c *Client) ListWatches(ctx context.Context) ([]*Watch, error) {
	var resp struct {
		Watches []watchResponse `json:"watches"`
	}
	if err := c.do(ctx, "GET", "/api/v1/watches", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}

	watches := make([]*Watch, len(resp.Watches))
	for i := range resp.Watches {
		w, err := responseToWatch(&resp.Watches[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse watch %s: %w", resp.Watches[i].Address, err)
		}
		watches[i] = w
	}
	return watches, nil
}

// Transfer submits a value transfer from the gateway's wallet.
func (c *Client) Transfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	if t.Amount == nil {
		return nil, errors.New("amount is required")
	}
	body := map[string]string{
		"to":     t.To,
		"amount": t.Amount.String(),
	}
	if t.Data != "" {
		body["data"] = t.Data
	}
	if t.GasPrice != nil {
		body["gas_price"] = t.GasPrice.String()
	}
	var res TransferResult
	if err := c.do(ctx, "POST", "/api/v1/transfers", body, http.StatusOK, &res); err != nil {
		return nil, err
	}
	c.logger.Debug("transfer submitted", "to", t.To, "tx_id", res.TxID, "attempts", res.Attempts)
	return &res, nil
}

// Health reports whether the gateway has observed its first block.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unhealthy (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// StreamBlocks delivers block-changes to fn until ctx is done, the stream
// ends, or fn returns an error.
func (c *Client) StreamBlocks(ctx context.Context, fn func(Block) error) error {
	return c.stream(ctx, "/api/v1/stream/blocks", func(event string, data []byte) error {
		if event != "block" {
			return nil
		}
		var b Block
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("failed to decode block event: %w", err)
		}
		return fn(b)
	})
}

// StreamTransactions delivers newly synced transactions to fn. An empty
// address streams every watched address.
func (c *Client) StreamTransactions(ctx context.Context, address string, fn func(json.RawMessage) error) error {
	path := "/api/v1/stream/transactions"
	if address != "" {
		path += "/" + url.PathEscape(address)
	}
	return c.stream(ctx, path, func(event string, data []byte) error {
		if event != "transaction" {
			return nil
		}
		return fn(json.RawMessage(data))
	})
}

func (c *Client) stream(ctx context.Context, path string, handle func(event string, data []byte) error) error {
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the client's request timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if event != "" {
				if err := handle(event, data.Bytes()); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request, checks the status and decodes the JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// watchResponse is the API response format for a watch.
// The server returns sync_interval as a string (e.g. "30s").
type watchResponse struct {
	Network      string     `json:"network"`
	Address      string     `json:"address"`
	SyncInterval string     `json:"sync_interval"`
	LastHeight   int64      `json:"last_height"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func responseToWatch(resp *watchResponse) (*Watch, error) {
	interval, err := time.ParseDuration(resp.SyncInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sync_interval %q: %w", resp.SyncInterval, err)
	}
	return &Watch{
		Network:      resp.Network,
		Address:      resp.Address,
		SyncInterval: interval,
		LastHeight:   resp.LastHeight,
		LastSyncTime: resp.LastSyncTime,
		Status:       resp.Status,
		CreatedAt:    resp.CreatedAt,
		UpdatedAt:    resp.UpdatedAt,
	}, nil
}

// parseErrorResponse attempts to parse an error response from the server.
// Node errors passed through by the gateway come back as *RPCError.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  *int   `json:"code"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if errResp.Code != nil {
		return &RPCError{Code: *errResp.Code, Message: errResp.Error}
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errResp.Error)
	}
	return fmt.Errorf("request failed: %s", errResp.Error)
}
