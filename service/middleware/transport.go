package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/metrics"
)

// RPCCaller is the remote endpoint. *rpc.Client from go-ethereum satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// TransportConfig configures the terminal unit.
type TransportConfig struct {
	// Endpoint labels metrics and logs; it is not dialed here.
	Endpoint  string
	RateLimit rate.Limit
	Burst     int
}

// Transport is the terminal unit: every request that reaches it is sent to
// the remote endpoint and answered with the endpoint's result bytes.
type Transport struct {
	rpc      RPCCaller
	endpoint string
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTransport wraps rpc. A zero RateLimit disables local limiting.
func NewTransport(rpc RPCCaller, cfg TransportConfig, m *metrics.Metrics, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &Transport{
		rpc:      rpc,
		endpoint: cfg.Endpoint,
		limiter:  limiter,
		logger:   logger,
		metrics:  m,
	}
}

// Dial connects to a ledger endpoint over HTTP(S) or WebSocket.
func Dial(ctx context.Context, endpoint string) (*gethrpc.Client, error) {
	client, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return client, nil
}

func (t *Transport) Name() string { return "transport" }

func (t *Transport) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	if t.limiter != nil && !t.limiter.Allow() {
		if t.metrics != nil {
			t.metrics.RecordRateLimitWait(t.endpoint)
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return engine.Outcome{}, err
		}
	}

	start := time.Now()
	var result json.RawMessage
	err := t.rpc.CallContext(ctx, &result, req.Method, req.Params...)
	duration := time.Since(start).Seconds()

	if err != nil {
		var rpcErr gethrpc.Error
		if errors.As(err, &rpcErr) {
			t.record(req.Method, "rpc_error", duration)
			t.logger.DebugContext(ctx, "remote returned error",
				"method", req.Method,
				"code", rpcErr.ErrorCode(),
				"error", rpcErr.Error(),
			)
			return engine.Answer(&jsonrpc.Response{Error: protocolError(rpcErr)}), nil
		}
		t.record(req.Method, "error", duration)
		return engine.Outcome{}, fmt.Errorf("rpc call %s failed: %w", req.Method, err)
	}

	t.record(req.Method, "success", duration)
	return engine.Answer(&jsonrpc.Response{Result: result}), nil
}

func (t *Transport) record(method, status string, duration float64) {
	if t.metrics != nil {
		t.metrics.RecordRPCCall(method, status, t.endpoint, duration)
	}
}

// protocolError keeps the remote code, message and data as they were sent.
func protocolError(err gethrpc.Error) *jsonrpc.Error {
	out := &jsonrpc.Error{Code: err.ErrorCode(), Message: err.Error()}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		if b, mErr := json.Marshal(dataErr.ErrorData()); mErr == nil {
			out.Data = b
		}
	}
	return out
}
