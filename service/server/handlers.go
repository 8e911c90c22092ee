package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/ledger"
	"github.com/brojonat/ethgate/service/middleware"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxBatchSize       = 100
	maxLookupIDs       = 50
	maxLookupAddresses = 20
)

// handleRPC returns a handler that dispatches JSON-RPC 2.0 calls, single or
// batched, into the reader's engine.
// POST /rpc
func handleRPC(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, rpcError(nil, jsonrpc.CodeParseError, "request body too large: maximum size is 1MB"), http.StatusOK)
			return
		}

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var batch []jsonrpc.Envelope
			if err := json.Unmarshal(trimmed, &batch); err != nil {
				writeJSON(w, rpcError(nil, jsonrpc.CodeParseError, "parse error"), http.StatusOK)
				return
			}
			if len(batch) == 0 || len(batch) > maxBatchSize {
				writeJSON(w, rpcError(nil, jsonrpc.CodeInvalidRequest, fmt.Sprintf("batch must hold 1 to %d calls", maxBatchSize)), http.StatusOK)
				return
			}
			replies := make([]jsonrpc.Envelope, len(batch))
			for i, env := range batch {
				replies[i] = dispatchEnvelope(r.Context(), l, env, logger)
			}
			writeJSON(w, replies, http.StatusOK)
			return
		}

		var env jsonrpc.Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			writeJSON(w, rpcError(nil, jsonrpc.CodeParseError, "parse error"), http.StatusOK)
			return
		}
		writeJSON(w, dispatchEnvelope(r.Context(), l, env, logger), http.StatusOK)
	})
}

func dispatchEnvelope(ctx context.Context, l Ledger, env jsonrpc.Envelope, logger *slog.Logger) jsonrpc.Envelope {
	req, err := env.Request()
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.Reply(env.ID, &jsonrpc.Response{Error: rpcErr})
		}
		return rpcError(env.ID, jsonrpc.CodeInvalidRequest, err.Error())
	}

	resp, err := l.Dispatch(ctx, req)
	switch {
	case errors.Is(err, engine.ErrNoRoute):
		return rpcError(env.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method %s is not supported", req.Method))
	case err != nil:
		logger.WarnContext(ctx, "rpc dispatch failed", "method", req.Method, "error", err)
		return rpcError(env.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return jsonrpc.Reply(env.ID, resp)
}

func rpcError(id json.RawMessage, code int, message string) jsonrpc.Envelope {
	return jsonrpc.Reply(id, jsonrpc.NewErrorResponse(code, message))
}

// handleInfo returns the network the gateway serves and its current height.
// GET /api/v1/info
func handleInfo(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := l.Info(r.Context())
		if err != nil {
			writeLedgerError(w, logger, "info", err)
			return
		}
		writeJSON(w, info, http.StatusOK)
	})
}

// GET /api/v1/blocks/latest
func handleLatestBlock(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := l.LatestBlock(r.Context())
		if err != nil {
			writeLedgerError(w, logger, "latest block", err)
			return
		}
		writeJSON(w, blockResponse{
			Network:    l.Network(),
			Height:     b.Height,
			Hash:       b.Hash,
			ParentHash: b.ParentHash,
		}, http.StatusOK)
	})
}

type blockResponse struct {
	Network    string `json:"network"`
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

// handleGetTransaction looks up one or more transactions by id. Several ids
// may be joined with commas; the response keeps their order and holds null
// for unknown ids.
// GET /api/v1/transactions/{id}
func handleGetTransaction(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := splitList(r.PathValue("id"))
		if len(ids) == 0 {
			writeError(w, "transaction id is required", http.StatusBadRequest)
			return
		}
		if len(ids) > maxLookupIDs {
			writeError(w, fmt.Sprintf("too many transaction ids: maximum is %d", maxLookupIDs), http.StatusBadRequest)
			return
		}
		for _, id := range ids {
			if err := validateTxID(id); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		txs, err := l.Transactions(r.Context(), ids)
		if err != nil {
			writeLedgerError(w, logger, "transactions", err)
			return
		}

		if len(ids) == 1 {
			if len(txs) == 0 || isNull(txs[0]) {
				writeError(w, "transaction not found", http.StatusNotFound)
				return
			}
			writeJSON(w, txs[0], http.StatusOK)
			return
		}
		writeJSON(w, map[string]interface{}{
			"transactions": txs,
			"count":        len(txs),
		}, http.StatusOK)
	})
}

// handlePropagate broadcasts a signed raw transaction.
// POST /api/v1/transactions {"hex": "0x..."}
func handlePropagate(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hex string `json:"hex"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if _, err := jsonrpc.DecodeBytes(req.Hex); err != nil || jsonrpc.UnprefixHex(req.Hex) == "" {
			writeError(w, "hex must be a non-empty hex string", http.StatusBadRequest)
			return
		}

		txid, err := l.Propagate(r.Context(), req.Hex)
		if err != nil {
			writeLedgerError(w, logger, "propagate", err)
			return
		}
		logger.Info("transaction propagated", "tx_id", txid)
		writeJSON(w, map[string]string{"txid": txid}, http.StatusOK)
	})
}

// handleAddressTransactions returns the merged history of up to
// maxLookupAddresses addresses, straight from the ledger.
// GET /api/v1/transactions?addresses=a,b&min_height=N
func handleAddressTransactions(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		raw := splitList(query.Get("addresses"))
		if len(raw) == 0 {
			writeError(w, "addresses query parameter is required", http.StatusBadRequest)
			return
		}
		if len(raw) > maxLookupAddresses {
			writeError(w, fmt.Sprintf("too many addresses: maximum is %d", maxLookupAddresses), http.StatusBadRequest)
			return
		}
		addresses := make([]string, 0, len(raw))
		for _, a := range raw {
			address, err := normalizeAddress(a)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			addresses = append(addresses, address)
		}

		minHeight, err := parseUintParam(query.Get("min_height"), "min_height")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, err := l.AddressTransactions(r.Context(), addresses, minHeight)
		if err != nil {
			writeLedgerError(w, logger, "address transactions", err)
			return
		}
		if records == nil {
			records = []ledger.TransactionRecord{}
		}
		writeJSON(w, map[string]interface{}{
			"transactions": records,
			"count":        len(records),
			"min_height":   minHeight,
		}, http.StatusOK)
	})
}

// GET /api/v1/addresses/{address}/balance
func handleBalance(l Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := normalizeAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		bal, err := l.Balance(r.Context(), address)
		if err != nil {
			writeLedgerError(w, logger, "balance", err)
			return
		}
		writeJSON(w, map[string]string{
			"address": address,
			"balance": bal.String(),
		}, http.StatusOK)
	})
}

// handleTransfer signs and submits a value transfer from the gateway's wallet.
// POST /api/v1/transfers {"to": "...", "amount": "wei", "data": "0x...", "gas_price": "wei"}
func handleTransfer(sender Sender, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			To       string `json:"to"`
			Amount   string `json:"amount"`
			Data     string `json:"data"`
			GasPrice string `json:"gas_price"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		to, err := normalizeAddress(req.To)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		amount, err := parseWei(req.Amount, "amount")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if amount == nil {
			writeError(w, "amount is required", http.StatusBadRequest)
			return
		}
		gasPrice, err := parseWei(req.GasPrice, "gas_price")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Data != "" {
			if _, err := jsonrpc.DecodeBytes(req.Data); err != nil {
				writeError(w, "data must be a hex string", http.StatusBadRequest)
				return
			}
		}

		res, err := sender.Send(r.Context(), ledger.SendRequest{
			To:       []ledger.Output{{Address: to, Amount: amount}},
			Data:     req.Data,
			GasPrice: gasPrice,
		})
		switch {
		case errors.Is(err, middleware.ErrCostTooHigh):
			writeError(w, "transfer cost exceeds the configured maximum", http.StatusUnprocessableEntity)
			return
		case errors.Is(err, ledger.ErrUnsupportedRecipientCount):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case ledger.IsUnderpriced(err):
			writeError(w, "transfer stayed underpriced after every escalation", http.StatusConflict)
			return
		case err != nil:
			writeLedgerError(w, logger, "transfer", err)
			return
		}

		logger.Info("transfer submitted",
			"from", sender.Address(),
			"to", to,
			"amount", amount.String(),
			"tx_id", res.TxID,
			"attempts", res.Attempts,
		)
		writeJSON(w, map[string]interface{}{
			"txid":      res.TxID,
			"from":      sender.Address(),
			"gas_price": res.GasPrice.String(),
			"attempts":  res.Attempts,
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeLedgerError maps an error from the ledger onto a status code. Errors
// reported by the node keep their code so callers can tell them apart.
func writeLedgerError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		logger.Warn("node rejected call", "op", op, "code", rpcErr.Code, "message", rpcErr.Message)
		writeJSON(w, map[string]interface{}{
			"error": rpcErr.Message,
			"code":  rpcErr.Code,
		}, http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, "timed out waiting for the node", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		logger.Error("ledger call failed", "op", op, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// decodeBody decodes a size-limited JSON body, writing the error response
// itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// normalizeAddress validates a hex account address and returns it lowercase
// without the 0x prefix, the form the store and the subjects use.
func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errorf("address is required")
	}
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return "", errorf("invalid characters in address: control characters not allowed")
		}
	}
	if !common.IsHexAddress(address) {
		return "", errorf("invalid address: must be 20 bytes of hex")
	}
	return strings.ToLower(jsonrpc.UnprefixHex(address)), nil
}

func validateTxID(id string) error {
	bare := jsonrpc.UnprefixHex(id)
	if len(bare) != 64 {
		return errorf("invalid transaction id %q: must be 32 bytes of hex", id)
	}
	if _, err := jsonrpc.DecodeBytes(bare); err != nil {
		return errorf("invalid transaction id %q: must be 32 bytes of hex", id)
	}
	return nil
}

func parseUintParam(v, name string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errorf("invalid %s parameter: must be a non-negative integer", name)
	}
	return n, nil
}

// parseWei parses a decimal wei amount; an empty string yields nil.
func parseWei(v, name string) (*big.Int, error) {
	if v == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, errorf("invalid %s: must be a non-negative decimal amount in wei", name)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// errorf creates a validation error with formatted message.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
