package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// remoteError mimics the structured error go-ethereum's client returns.
type remoteError struct {
	code int
	msg  string
	data any
}

func (e *remoteError) Error() string          { return e.msg }
func (e *remoteError) ErrorCode() int         { return e.code }
func (e *remoteError) ErrorData() interface{} { return e.data }

type fakeCaller struct {
	result json.RawMessage
	err    error

	method string
	args   []interface{}
}

func (f *fakeCaller) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.method = method
	f.args = args
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal(f.result, result)
}

func TestTransport_ReturnsResultBytesVerbatim(t *testing.T) {
	caller := &fakeCaller{result: json.RawMessage(`{"number":"0x10","hash":"0xAbC"}`)}
	e := newEngine(NewTransport(caller, TransportConfig{Endpoint: "test"}, nil, testLogger()))

	resp, err := e.Dispatch(context.Background(), jsonrpc.NewRequest("eth_getBlockByNumber", "latest", false))

	require.NoError(t, err)
	assert.Equal(t, `{"number":"0x10","hash":"0xAbC"}`, string(resp.Result))
	assert.Equal(t, "eth_getBlockByNumber", caller.method)
	assert.Equal(t, []interface{}{"latest", false}, caller.args)
}

func TestTransport_ProtocolErrorSurfacesVerbatim(t *testing.T) {
	caller := &fakeCaller{err: &remoteError{code: -32000, msg: "replacement transaction underpriced", data: map[string]any{"reason": "fee"}}}
	e := newEngine(NewTransport(caller, TransportConfig{}, nil, testLogger()))

	err := engine.Call(context.Background(), e, jsonrpc.NewRequest("eth_sendRawTransaction", "0x00"), nil)

	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "replacement transaction underpriced", rpcErr.Message)
	assert.JSONEq(t, `{"reason":"fee"}`, string(rpcErr.Data))
}

func TestTransport_TransportFailureIsError(t *testing.T) {
	boom := errors.New("connection refused")
	caller := &fakeCaller{err: boom}
	e := newEngine(NewTransport(caller, TransportConfig{}, nil, testLogger()))

	_, err := e.Dispatch(context.Background(), jsonrpc.NewRequest("eth_blockNumber"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestTransport_RateLimitHonoursContext(t *testing.T) {
	caller := &fakeCaller{result: json.RawMessage(`"0x1"`)}
	tr := NewTransport(caller, TransportConfig{RateLimit: 0.001, Burst: 1}, nil, testLogger())

	_, err := tr.Handle(context.Background(), jsonrpc.NewRequest("eth_blockNumber"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Handle(ctx, jsonrpc.NewRequest("eth_blockNumber"))
	assert.Error(t, err)
}
