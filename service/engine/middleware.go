package engine

import (
	"context"

	"github.com/brojonat/ethgate/service/jsonrpc"
)

// Middleware is one interceptor in the dispatch chain. Handle either answers
// the request, forwards it unchanged, or forwards a replacement request to
// the next unit. Returning an error ends dispatch for the request.
type Middleware interface {
	Name() string
	Handle(ctx context.Context, req jsonrpc.Request) (Outcome, error)
}

// Dispatcher is the view of the engine handed to units that emit their own
// requests. Emitted requests start at the top of the chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error)
	ChainHeight() uint64
}

// Attachable units receive the engine when it is constructed.
type Attachable interface {
	Attach(d Dispatcher)
}

// ResponseObserver units see the final answer of every request they
// forwarded. req is the request as the unit received it and note is the
// value the unit attached to its outcome with Noting. Exactly one of resp
// and err is set; resp may still carry a protocol error.
type ResponseObserver interface {
	ObserveResponse(ctx context.Context, req jsonrpc.Request, note any, resp *jsonrpc.Response, err error)
}

// BlockObserver units are notified of every block-change event, in order.
type BlockObserver interface {
	ObserveBlock(ctx context.Context, b Block)
}

// ReorgObserver units are told when the head at the current chain height is
// replaced by a block with a different hash. The chain height does not move.
type ReorgObserver interface {
	ObserveReorg(ctx context.Context, b Block)
}

type outcomeKind int

const (
	kindForward outcomeKind = iota
	kindForwardWith
	kindAnswer
)

// Outcome is the decision a unit makes for a request. The zero value forwards.
type Outcome struct {
	kind outcomeKind
	resp *jsonrpc.Response
	req  jsonrpc.Request
	note any
}

// Answer ends dispatch with resp. A nil resp answers with a null result.
func Answer(resp *jsonrpc.Response) Outcome {
	if resp == nil {
		resp = &jsonrpc.Response{}
	}
	return Outcome{kind: kindAnswer, resp: resp}
}

// AnswerResult marshals v and answers with it.
func AnswerResult(v any) (Outcome, error) {
	resp, err := jsonrpc.NewResult(v)
	if err != nil {
		return Outcome{}, err
	}
	return Answer(resp), nil
}

// Forward passes the request to the next unit unchanged.
func Forward() Outcome {
	return Outcome{kind: kindForward}
}

// ForwardWith passes req to the next unit in place of the one received.
func ForwardWith(req jsonrpc.Request) Outcome {
	return Outcome{kind: kindForwardWith, req: req}
}

// Noting attaches v to a forwarding outcome. The engine hands it back to the
// unit's ObserveResponse for this request only.
func (o Outcome) Noting(v any) Outcome {
	o.note = v
	return o
}

// Answered reports whether the outcome ends dispatch.
func (o Outcome) Answered() bool {
	return o.kind == kindAnswer
}

// Response returns the answer, or nil for forwarding outcomes.
func (o Outcome) Response() *jsonrpc.Response {
	return o.resp
}

// Request returns the replacement request and whether there is one.
func (o Outcome) Request() (jsonrpc.Request, bool) {
	return o.req, o.kind == kindForwardWith
}

// Call dispatches req and decodes the result into out. A protocol error in
// the response is returned as *jsonrpc.Error.
func Call(ctx context.Context, d Dispatcher, req jsonrpc.Request, out any) error {
	resp, err := d.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
