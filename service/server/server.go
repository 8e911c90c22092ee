package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/ethgate/service/config"
	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/ledger"
	"github.com/brojonat/ethgate/service/metrics"
	"github.com/brojonat/ethgate/service/temporal"
)

// Ledger is the read API the gateway serves. *ledger.Reader satisfies it.
type Ledger interface {
	Network() string
	Ready() bool
	Dispatch(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error)
	Info(ctx context.Context) (ledger.Info, error)
	LatestBlock(ctx context.Context) (engine.Block, error)
	Transactions(ctx context.Context, ids []string) ([]json.RawMessage, error)
	Propagate(ctx context.Context, rawHex string) (string, error)
	AddressTransactions(ctx context.Context, addresses []string, minHeight uint64) ([]ledger.TransactionRecord, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	Blocks(buffer int) *engine.Subscription
}

// Sender submits value transfers. *ledger.Transactor satisfies it.
type Sender interface {
	Address() string
	Send(ctx context.Context, req ledger.SendRequest) (*ledger.SendResult, error)
}

// HistoryStore is the stored-history and watch surface. *db.Store satisfies it.
type HistoryStore interface {
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error)
	CreateWatch(ctx context.Context, params db.CreateWatchParams) (*db.Watch, error)
	GetWatch(ctx context.Context, network, address string) (*db.Watch, error)
	ListWatches(ctx context.Context, network string) ([]*db.Watch, error)
	DeleteWatch(ctx context.Context, network, address string) error
}

// Server represents the HTTP gateway for one ledger network.
type Server struct {
	addr         string
	cfg          *config.Config
	ledger       Ledger
	store        HistoryStore
	scheduler    temporal.Scheduler
	sender       Sender
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The store and scheduler are optional - if either is nil, history and watch
// endpoints won't be available. The metrics is optional - if nil, the
// metrics endpoint won't be available.
func New(addr string, cfg *config.Config, l Ledger, store HistoryStore, scheduler temporal.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		cfg:       cfg,
		ledger:    l,
		store:     store,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
	}
}

// WithSender enables the transfer endpoint.
func (s *Server) WithSender(sender Sender) *Server {
	s.sender = sender
	return s
}

// WithTransactionStream enables SSE streaming of synced transactions.
func (s *Server) WithTransactionStream(p *SSEPublisher) *Server {
	s.ssePublisher = p
	return s
}

// Handler builds the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, s.metrics.Instrument(name, h))
	}

	// JSON-RPC passthrough into the engine
	route("POST /rpc", "rpc", handleRPC(s.ledger, s.logger))

	// Ledger routes
	route("GET /api/v1/info", "info", handleInfo(s.ledger, s.logger))
	route("GET /api/v1/blocks/latest", "latest_block", handleLatestBlock(s.ledger, s.logger))
	route("GET /api/v1/transactions/{id}", "get_transaction", handleGetTransaction(s.ledger, s.logger))
	route("POST /api/v1/transactions", "propagate", handlePropagate(s.ledger, s.logger))
	route("GET /api/v1/transactions", "address_transactions", handleAddressTransactions(s.ledger, s.logger))
	route("GET /api/v1/addresses/{address}/balance", "balance", handleBalance(s.ledger, s.logger))
	route("GET /api/v1/stream/blocks", "stream_blocks", handleStreamBlocks(s.ledger, s.metrics, s.logger))

	if s.sender != nil {
		route("POST /api/v1/transfers", "transfer", handleTransfer(s.sender, s.logger))
		s.logger.Info("transfer endpoint enabled", "from", s.sender.Address())
	}

	// Stored history and watches
	if s.store != nil && s.scheduler != nil {
		network := s.ledger.Network()
		route("GET /api/v1/addresses/{address}/history", "history", handleAddressHistory(s.store, network, s.logger))
		route("POST /api/v1/watches", "create_watch", handleCreateWatch(s.store, s.scheduler, s.cfg, network, s.logger))
		route("GET /api/v1/watches", "list_watches", handleListWatches(s.store, network, s.logger))
		route("GET /api/v1/watches/{address}", "get_watch", handleGetWatch(s.store, network, s.logger))
		route("DELETE /api/v1/watches/{address}", "delete_watch", handleDeleteWatch(s.store, s.scheduler, network, s.logger))
	} else {
		s.logger.Warn("store or scheduler not configured, history and watch endpoints disabled")
	}

	if s.ssePublisher != nil {
		route("GET /api/v1/stream/transactions/{address}", "stream_transactions", handleStreamTransactions(s.ssePublisher, s.metrics, s.logger))
		route("GET /api/v1/stream/transactions", "stream_transactions", handleStreamTransactions(s.ssePublisher, s.metrics, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !s.ledger.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("WAITING FOR FIRST BLOCK"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero so SSE streams are not cut off.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "network", s.ledger.Network())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
