// Package middleware contains the standard units of the dispatch chain.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// ClientVersion is reported for web3_clientVersion.
const ClientVersion = "ethgate/v1.0.0"

// Fixture answers static metadata methods without touching the network.
type Fixture struct {
	static map[string]json.RawMessage
}

// NewFixture builds the fixture for chainID. Entries in extra override the
// defaults.
func NewFixture(chainID uint64, extra map[string]any) (*Fixture, error) {
	values := map[string]any{
		"web3_clientVersion": ClientVersion,
		"net_version":        strconv.FormatUint(chainID, 10),
		"eth_chainId":        jsonrpc.EncodeUint64(chainID),
		"net_listening":      true,
		"eth_hashrate":       "0x00",
		"eth_mining":         false,
		"eth_syncing":        false,
	}
	for k, v := range extra {
		values[k] = v
	}

	static := make(map[string]json.RawMessage, len(values))
	for method, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fixture for %s: %w", method, err)
		}
		static[method] = b
	}
	return &Fixture{static: static}, nil
}

func (f *Fixture) Name() string { return "fixture" }

func (f *Fixture) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	result, ok := f.static[req.Method]
	if !ok {
		return engine.Forward(), nil
	}
	return engine.Answer(&jsonrpc.Response{Result: append(json.RawMessage(nil), result...)}), nil
}
