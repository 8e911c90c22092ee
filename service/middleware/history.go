package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/indexer"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// MethodListTransactions is the non-standard history method:
// eth_listTransactions(address, startBlock, endBlock, order).
const MethodListTransactions = "eth_listTransactions"

// History answers eth_listTransactions from the indexer.
type History struct {
	history *indexer.History
	logger  *slog.Logger
	d       engine.Dispatcher
}

// NewHistory creates the unit over finder.
func NewHistory(finder indexer.Finder, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{history: indexer.NewHistory(finder, logger), logger: logger}
}

func (h *History) Name() string { return "history" }

func (h *History) Attach(d engine.Dispatcher) { h.d = d }

func (h *History) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	if req.Method != MethodListTransactions {
		return engine.Forward(), nil
	}

	address, ok := req.StringParam(0)
	if !ok || address == "" {
		return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, "address is required")), nil
	}

	var start, end uint64
	if v, ok := req.Param(1); ok && v != nil {
		n, err := jsonrpc.ParseUint64(v)
		if err != nil {
			return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, fmt.Sprintf("invalid start block: %v", err))), nil
		}
		start = n
	}
	if v, ok := req.Param(2); ok && v != nil {
		n, err := jsonrpc.ParseUint64(v)
		if err != nil {
			return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, fmt.Sprintf("invalid end block: %v", err))), nil
		}
		end = n
	} else if h.d != nil {
		end = h.d.ChainHeight()
	}
	order, _ := req.StringParam(3)

	recs, err := h.history.Collect(ctx, jsonrpc.PrefixHex(address), start, end, order)
	if err != nil {
		return engine.Outcome{}, err
	}
	if recs == nil {
		recs = []indexer.RawTransaction{}
	}
	return engine.AnswerResult(recs)
}
