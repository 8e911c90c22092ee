package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/ethgate/service/config"
	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/temporal"
)

const maxSyncInterval = 24 * time.Hour

// handleAddressHistory lists the stored history of a watched address.
// GET /api/v1/addresses/{address}/history?limit=N&offset=N&min_height=N
func handleAddressHistory(store HistoryStore, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := normalizeAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := r.URL.Query()

		// Parse limit (default 100, max 1000)
		limit := int32(100)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		// Parse offset (default 0)
		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		minHeight, err := parseUintParam(query.Get("min_height"), "min_height")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transactions, err := store.ListTransactions(r.Context(), db.ListTransactionsParams{
			Network:   network,
			Address:   address,
			MinHeight: int64(minHeight),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			logger.Error("failed to list transactions", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("transactions listed", "address", address, "count", len(transactions))

		resp := make([]transactionResponse, len(transactions))
		for i := range transactions {
			resp[i] = transactionToResponse(transactions[i])
		}

		writeJSON(w, map[string]interface{}{
			"transactions": resp,
			"count":        len(resp),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// handleCreateWatch registers an address for history syncing and creates or
// updates its schedule. Re-registering an address keeps its cursor.
// POST /api/v1/watches {"address": "0x...", "sync_interval": "1m", "start_height": 0}
func handleCreateWatch(store HistoryStore, scheduler temporal.Scheduler, cfg *config.Config, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address      string `json:"address"`
			SyncInterval string `json:"sync_interval"`
			StartHeight  int64  `json:"start_height"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		address, err := normalizeAddress(req.Address)
		if err != nil {
			logger.Debug("invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		interval := cfg.DefaultSyncInterval
		if req.SyncInterval != "" {
			interval, err = time.ParseDuration(req.SyncInterval)
			if err != nil {
				writeError(w, "invalid sync_interval: must be a valid duration (e.g. '30s', '1m')", http.StatusBadRequest)
				return
			}
		}
		if err := validateSyncInterval(interval, cfg.MinSyncInterval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.StartHeight < 0 {
			writeError(w, "start_height cannot be negative", http.StatusBadRequest)
			return
		}

		_, err = store.GetWatch(r.Context(), network, address)
		isNew := errors.Is(err, db.ErrNotFound)
		if err != nil && !isNew {
			logger.Error("failed to look up watch", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		watch, err := store.CreateWatch(r.Context(), db.CreateWatchParams{
			Network:      network,
			Address:      address,
			SyncInterval: interval,
			StartHeight:  req.StartHeight,
		})
		if err != nil {
			logger.Error("failed to create watch", "address", address, "error", err)
			writeError(w, "failed to register watch", http.StatusInternalServerError)
			return
		}

		if err := scheduler.UpsertWatchSchedule(r.Context(), network, address, interval); err != nil {
			logger.Error("failed to create schedule", "address", address, "network", network, "error", err)
			if isNew {
				// Rollback: drop the watch we just created
				if delErr := store.DeleteWatch(r.Context(), network, address); delErr != nil {
					logger.Error("failed to rollback watch creation", "address", address, "error", delErr)
				}
			}
			writeError(w, "failed to create schedule for watch", http.StatusInternalServerError)
			return
		}

		statusCode := http.StatusOK
		if isNew {
			statusCode = http.StatusCreated
		}
		logger.Info("watch registered with schedule",
			"address", address,
			"network", network,
			"sync_interval", interval,
			"created", isNew,
		)
		writeJSON(w, watchToResponse(watch), statusCode)
	})
}

// GET /api/v1/watches
func handleListWatches(store HistoryStore, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		watches, err := store.ListWatches(r.Context(), network)
		if err != nil {
			logger.Error("failed to list watches", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]watchResponse, len(watches))
		for i, watch := range watches {
			resp[i] = watchToResponse(watch)
		}
		writeJSON(w, map[string]interface{}{
			"watches": resp,
			"count":   len(resp),
		}, http.StatusOK)
	})
}

// GET /api/v1/watches/{address}
func handleGetWatch(store HistoryStore, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := normalizeAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		watch, err := store.GetWatch(r.Context(), network, address)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "watch not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get watch", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, watchToResponse(watch), http.StatusOK)
	})
}

// handleDeleteWatch stops syncing an address. Stored history is kept.
// DELETE /api/v1/watches/{address}
func handleDeleteWatch(store HistoryStore, scheduler temporal.Scheduler, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := normalizeAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		err = store.DeleteWatch(r.Context(), network, address)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "watch not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to delete watch", "address", address, "error", err)
			writeError(w, "failed to delete watch", http.StatusInternalServerError)
			return
		}

		// A schedule that outlives its watch ends each run without work, so
		// a failure here is logged rather than returned.
		if err := scheduler.DeleteWatchSchedule(r.Context(), network, address); err != nil {
			logger.Warn("failed to delete schedule", "address", address, "network", network, "error", err)
		}

		logger.Info("watch deleted", "address", address, "network", network)
		w.WriteHeader(http.StatusNoContent)
	})
}

func validateSyncInterval(interval, min time.Duration) error {
	if interval < min {
		return errorf("sync_interval too short: minimum is %v", min)
	}
	if interval > maxSyncInterval {
		return errorf("sync_interval too long: maximum is %v", maxSyncInterval)
	}
	return nil
}

// watchResponse is the JSON response format for a watch.
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

func watchToResponse(w *db.Watch) watchResponse {
	return watchResponse{
		Network:      w.Network,
		Address:      w.Address,
		SyncInterval: w.SyncInterval.String(),
		LastHeight:   w.LastHeight,
		LastSyncTime: w.LastSyncTime,
		Status:       w.Status,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

// transactionResponse is the JSON response format for a stored transaction.
type transactionResponse struct {
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

// transactionToResponse converts a stored Transaction to a response format.
func transactionToResponse(t *db.Transaction) transactionResponse {
	to := t.To
	if to == nil {
		to = []string{}
	}
	return transactionResponse{
		TxID:        t.TxID,
		Address:     t.Address,
		BlockHeight: t.BlockHeight,
		From:        t.From,
		To:          to,
		Value:       t.Value,
		Data:        t.Data,
		BlockTime:   t.BlockTime,
		CreatedAt:   t.CreatedAt,
	}
}
