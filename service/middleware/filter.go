package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

type filterKind int

const (
	blockFilter filterKind = iota
	logFilter
)

type filterState struct {
	kind     filterKind
	criteria map[string]any

	// guards cursor and hashes; held across the log fetch so concurrent
	// polls of one filter do not report the same range twice
	mu     sync.Mutex
	cursor uint64
	hashes []string
}

// Filter serves filter subscriptions locally on top of block polling.
// Filter ids it did not create are forwarded to the node.
type Filter struct {
	logger *slog.Logger
	d      engine.Dispatcher

	mu      sync.Mutex
	next    uint64
	filters map[string]*filterState
}

// NewFilter creates an empty filter registry.
func NewFilter(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{logger: logger, filters: make(map[string]*filterState)}
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) Attach(d engine.Dispatcher) { f.d = d }

func (f *Filter) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	switch req.Method {
	case "eth_newBlockFilter":
		id := f.install(&filterState{kind: blockFilter, cursor: f.d.ChainHeight()})
		return engine.AnswerResult(id)

	case "eth_newFilter":
		criteria, ok := objectParam(req, 0)
		if !ok {
			return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, "filter criteria must be an object")), nil
		}
		cursor := f.d.ChainHeight()
		if from, ok := criteria["fromBlock"]; ok && !isTag(from) {
			if n, err := jsonrpc.ParseUint64(from); err == nil && n > 0 && n-1 < cursor {
				cursor = n - 1
			}
		}
		id := f.install(&filterState{kind: logFilter, criteria: criteria, cursor: cursor})
		return engine.AnswerResult(id)

	case "eth_getFilterChanges":
		st, ok := f.lookup(req)
		if !ok {
			return engine.Forward(), nil
		}
		return f.changes(ctx, st)

	case "eth_getFilterLogs":
		st, ok := f.lookup(req)
		if !ok {
			return engine.Forward(), nil
		}
		if st.kind != logFilter {
			return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, "not a log filter")), nil
		}
		resp, err := f.d.Dispatch(ctx, jsonrpc.NewRequest("eth_getLogs", st.criteria))
		if err != nil {
			return engine.Outcome{}, err
		}
		return engine.Answer(resp), nil

	case "eth_uninstallFilter":
		id, _ := req.StringParam(0)
		f.mu.Lock()
		_, ok := f.filters[strings.ToLower(id)]
		delete(f.filters, strings.ToLower(id))
		f.mu.Unlock()
		if !ok {
			return engine.Forward(), nil
		}
		return engine.AnswerResult(true)
	}
	return engine.Forward(), nil
}

// ObserveBlock queues the new block hash for every block filter.
func (f *Filter) ObserveBlock(ctx context.Context, b engine.Block) {
	f.mu.Lock()
	states := make([]*filterState, 0, len(f.filters))
	for _, st := range f.filters {
		if st.kind == blockFilter {
			states = append(states, st)
		}
	}
	f.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if b.Height > st.cursor {
			st.cursor = b.Height
			if b.Hash != "" {
				st.hashes = append(st.hashes, b.Hash)
			}
		}
		st.mu.Unlock()
	}
}

// ObserveReorg reports the replacement head to block filters that already
// moved past its height.
func (f *Filter) ObserveReorg(ctx context.Context, b engine.Block) {
	if b.Hash == "" {
		return
	}
	f.mu.Lock()
	states := make([]*filterState, 0, len(f.filters))
	for _, st := range f.filters {
		if st.kind == blockFilter {
			states = append(states, st)
		}
	}
	f.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.cursor >= b.Height {
			st.hashes = append(st.hashes, b.Hash)
		}
		st.mu.Unlock()
	}
}

// Len returns the number of installed filters.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filters)
}

func (f *Filter) install(st *filterState) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := jsonrpc.EncodeUint64(f.next)
	f.filters[id] = st
	return id
}

func (f *Filter) lookup(req jsonrpc.Request) (*filterState, bool) {
	id, ok := req.StringParam(0)
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.filters[strings.ToLower(id)]
	return st, ok
}

func (f *Filter) changes(ctx context.Context, st *filterState) (engine.Outcome, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.kind == blockFilter {
		hashes := st.hashes
		st.hashes = nil
		if hashes == nil {
			hashes = []string{}
		}
		return engine.AnswerResult(hashes)
	}

	head := f.d.ChainHeight()
	if head <= st.cursor {
		return engine.AnswerResult([]any{})
	}

	query := make(map[string]any, len(st.criteria)+2)
	for k, v := range st.criteria {
		query[k] = v
	}
	query["fromBlock"] = jsonrpc.EncodeUint64(st.cursor + 1)
	query["toBlock"] = jsonrpc.EncodeUint64(head)

	resp, err := f.d.Dispatch(ctx, jsonrpc.NewRequest("eth_getLogs", query))
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to fetch logs for filter: %w", err)
	}
	if resp.Error == nil {
		st.cursor = head
	}
	return engine.Answer(resp), nil
}

func objectParam(req jsonrpc.Request, i int) (map[string]any, bool) {
	v, ok := req.Param(i)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	// copy so later mutation of the caller's map is not observed
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[k] = val
	}
	return out, true
}

func isTag(v any) bool {
	s, ok := v.(string)
	return ok && blockTags[s]
}
