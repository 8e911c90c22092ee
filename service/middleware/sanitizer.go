package middleware

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// objectKeys are the fields kept on transaction and filter objects.
var objectKeys = map[string]bool{
	"from":                 true,
	"to":                   true,
	"value":                true,
	"data":                 true,
	"input":                true,
	"gas":                  true,
	"gasPrice":             true,
	"maxFeePerGas":         true,
	"maxPriorityFeePerGas": true,
	"nonce":                true,
	"chainId":              true,
	"fromBlock":            true,
	"toBlock":              true,
	"blockHash":            true,
	"address":              true,
	"topics":               true,
}

var blockTags = map[string]bool{
	"latest":    true,
	"earliest":  true,
	"pending":   true,
	"safe":      true,
	"finalized": true,
}

// Sanitizer normalizes params before they reach caching and the network:
// hex strings get a lower-case 0x form, numbers become hex quantities, and
// objects lose keys the node does not understand.
type Sanitizer struct{}

// NewSanitizer returns a sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

func (s *Sanitizer) Name() string { return "sanitizer" }

func (s *Sanitizer) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	if len(req.Params) == 0 {
		return engine.Forward(), nil
	}
	params := make([]any, len(req.Params))
	for i, p := range req.Params {
		params[i] = sanitizeParam(p)
	}
	return engine.ForwardWith(req.WithParams(params...)), nil
}

func sanitizeParam(v any) any {
	switch p := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, val := range p {
			if !objectKeys[k] {
				continue
			}
			out[k] = sanitizeField(val)
		}
		return out
	case string:
		return normalizeHex(p, false)
	case []any:
		out := make([]any, len(p))
		for i, item := range p {
			out[i] = sanitizeParam(item)
		}
		return out
	default:
		if q, ok := quantity(v); ok {
			return q
		}
		return v
	}
}

func sanitizeField(v any) any {
	switch p := v.(type) {
	case string:
		return normalizeHex(p, true)
	case []any:
		out := make([]any, len(p))
		for i, item := range p {
			out[i] = sanitizeField(item)
		}
		return out
	default:
		if q, ok := quantity(v); ok {
			return q
		}
		return v
	}
}

// normalizeHex lower-cases 0x strings. Inside objects, bare hex gains a
// prefix too; at the top level bare strings may be tags or text and are
// left alone.
func normalizeHex(s string, inObject bool) string {
	if blockTags[s] {
		return s
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return "0x" + strings.ToLower(s[2:])
	}
	if inObject && isHex(s) {
		return "0x" + strings.ToLower(s)
	}
	return s
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// quantity converts numeric values to hex quantities.
func quantity(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		b, err := jsonrpc.ParseBig(n)
		if err != nil || b.Sign() < 0 {
			return "", false
		}
		return jsonrpc.EncodeBig(b), true
	case float64, int, int64, uint64:
		u, err := jsonrpc.ParseUint64(n)
		if err != nil {
			return "", false
		}
		return jsonrpc.EncodeUint64(u), true
	case *big.Int:
		if n == nil || n.Sign() < 0 {
			return "", false
		}
		return jsonrpc.EncodeBig(n), true
	default:
		return "", false
	}
}
