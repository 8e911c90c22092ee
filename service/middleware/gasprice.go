package middleware

import (
	"context"
	"fmt"
	"math/big"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// GasPrice answers eth_gasPrice from a fixed preset when one is configured
// and fills a missing gasPrice on transactions headed for the node.
type GasPrice struct {
	preset *big.Int
	d      engine.Dispatcher
}

// NewGasPrice creates the unit. A nil preset defers price suggestions to the
// node.
func NewGasPrice(preset *big.Int) *GasPrice {
	g := &GasPrice{}
	if preset != nil {
		g.preset = new(big.Int).Set(preset)
	}
	return g
}

func (g *GasPrice) Name() string { return "gasprice" }

func (g *GasPrice) Attach(d engine.Dispatcher) { g.d = d }

func (g *GasPrice) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	switch req.Method {
	case "eth_gasPrice":
		if g.preset == nil {
			return engine.Forward(), nil
		}
		return engine.AnswerResult(jsonrpc.EncodeBig(g.preset))

	case "eth_sendTransaction":
		tx, ok := objectParam(req, 0)
		if !ok {
			return engine.Forward(), nil
		}
		if tx["gasPrice"] != nil || tx["maxFeePerGas"] != nil {
			return engine.Forward(), nil
		}
		price, err := g.suggest(ctx)
		if err != nil {
			return engine.Outcome{}, err
		}
		tx["gasPrice"] = jsonrpc.EncodeBig(price)
		params := append([]any{tx}, req.Params[1:]...)
		return engine.ForwardWith(req.WithParams(params...)), nil
	}
	return engine.Forward(), nil
}

func (g *GasPrice) suggest(ctx context.Context) (*big.Int, error) {
	if g.preset != nil {
		return new(big.Int).Set(g.preset), nil
	}
	var hex string
	if err := engine.Call(ctx, g.d, jsonrpc.NewRequest("eth_gasPrice"), &hex); err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}
	return jsonrpc.ParseBig(hex)
}
