// Package jsonrpc defines the request/response values that flow through the
// middleware chain and the hex codec shared by every unit.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a single JSON-RPC call. Requests are values: units that want a
// different request build a new one with WithParams or NewRequest.
type Request struct {
	Method string
	Params []any
}

// NewRequest builds a request, copying params so later mutation of the
// caller's slice is not observed.
func NewRequest(method string, params ...any) Request {
	return Request{Method: method, Params: append([]any(nil), params...)}
}

// WithParams returns a copy of r with params replaced.
func (r Request) WithParams(params ...any) Request {
	return NewRequest(r.Method, params...)
}

// Param returns the i-th param, or nil and false when absent.
func (r Request) Param(i int) (any, bool) {
	if i < 0 || i >= len(r.Params) {
		return nil, false
	}
	return r.Params[i], true
}

// StringParam returns the i-th param when it is a string.
func (r Request) StringParam(i int) (string, bool) {
	v, ok := r.Param(i)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Key returns the structural identity of the request: method plus canonical
// JSON of params. Two requests with equal keys are interchangeable.
func (r Request) Key() string {
	params := r.Params
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return r.Method + ":" + fmt.Sprint(params)
	}
	return r.Method + ":" + string(b)
}

// Response carries exactly one of Result or Error.
type Response struct {
	Result json.RawMessage
	Error  *Error
}

// NewResult marshals v into a successful response.
func NewResult(v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{Result: b}, nil
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(code int, message string) *Response {
	return &Response{Error: &Error{Code: code, Message: message}}
}

// IsNull reports whether the result is absent or JSON null.
func (r *Response) IsNull() bool {
	trimmed := bytes.TrimSpace(r.Result)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the result into v. A protocol error is returned as *Error.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if v == nil {
		return nil
	}
	if len(r.Result) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Error is a structured error reported by a remote endpoint or a unit. Code,
// message and data are carried verbatim.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Envelope is the JSON-RPC 2.0 wire message used by the HTTP gateway.
type Envelope struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Request converts an incoming envelope to a Request.
func (e Envelope) Request() (Request, error) {
	if e.Method == "" {
		return Request{}, &Error{Code: CodeInvalidRequest, Message: "missing method"}
	}
	var params []any
	if trimmed := bytes.TrimSpace(e.Params); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return Request{}, &Error{Code: CodeInvalidParams, Message: "params must be an array"}
		}
	}
	return NewRequest(e.Method, params...), nil
}

// Reply builds the response envelope for id.
func Reply(id json.RawMessage, resp *Response) Envelope {
	env := Envelope{Version: "2.0", ID: id}
	if resp.Error != nil {
		env.Error = resp.Error
		return env
	}
	env.Result = resp.Result
	if len(env.Result) == 0 {
		env.Result = json.RawMessage("null")
	}
	return env
}
