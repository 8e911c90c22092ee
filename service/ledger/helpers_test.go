package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nodeHandler func(req jsonrpc.Request) (any, *jsonrpc.Error)

// scriptedNode is a terminal unit answering from per-method handlers.
type scriptedNode struct {
	mu       sync.Mutex
	handlers map[string]nodeHandler
	calls    []jsonrpc.Request
}

func newScriptedNode() *scriptedNode {
	return &scriptedNode{handlers: make(map[string]nodeHandler)}
}

func (n *scriptedNode) on(method string, h nodeHandler) *scriptedNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
	return n
}

func (n *scriptedNode) result(method string, v any) *scriptedNode {
	return n.on(method, func(jsonrpc.Request) (any, *jsonrpc.Error) { return v, nil })
}

func (n *scriptedNode) Name() string { return "node" }

func (n *scriptedNode) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req)
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()
	if !ok {
		return engine.Outcome{}, fmt.Errorf("unexpected method %s", req.Method)
	}
	v, rpcErr := h(req)
	if rpcErr != nil {
		return engine.Answer(&jsonrpc.Response{Error: rpcErr}), nil
	}
	return engine.AnswerResult(v)
}

func (n *scriptedNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.calls {
		if r.Method == method {
			c++
		}
	}
	return c
}

func (n *scriptedNode) requests(method string) []jsonrpc.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []jsonrpc.Request
	for _, r := range n.calls {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// newChain builds an engine over units that is stopped when the test ends.
func newChain(t *testing.T, units ...engine.Middleware) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{Network: "test", Logger: testLogger()}, units...)
	t.Cleanup(e.Stop)
	return e
}

// remoteError is a structured error as go-ethereum's rpc client reports it.
type remoteError struct {
	code int
	msg  string
}

func (e *remoteError) Error() string  { return e.msg }
func (e *remoteError) ErrorCode() int { return e.code }

// fakeRPC stands in for the remote endpoint behind the transport unit.
type fakeRPC struct {
	mu       sync.Mutex
	handlers map[string]func(args []interface{}) (any, error)
	calls    map[string]int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		handlers: make(map[string]func(args []interface{}) (any, error)),
		calls:    make(map[string]int),
	}
}

func (f *fakeRPC) on(method string, h func(args []interface{}) (any, error)) *fakeRPC {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
	return f
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRPC) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	f.calls[method]++
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		return &remoteError{code: -32601, msg: "the method " + method + " does not exist/is not available"}
	}
	v, err := h(args)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}
