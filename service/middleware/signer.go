package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// TransferGas is the gas limit of a plain value transfer.
const TransferGas = 21000

var (
	// ErrCostTooHigh is returned when a transaction would cost more than the
	// signer's configured ceiling.
	ErrCostTooHigh = errors.New("aborting, too expensive")
	// ErrUnknownAccount is returned when asked to sign for an address the
	// wallet does not hold.
	ErrUnknownAccount = errors.New("unknown account")
)

// Wallet holds a signing key. Key storage is the wallet's concern.
type Wallet interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	// SignMessage signs msg with the personal-message prefix and returns a
	// 65-byte [R || S || V] signature with V in {27, 28}.
	SignMessage(msg []byte) ([]byte, error)
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	ChainID *big.Int
	// MaxCost is the highest gas*gasPrice+value the signer will sign for.
	// Nil means no ceiling.
	MaxCost *big.Int
}

// Signer turns eth_sendTransaction into a locally signed raw submission and
// answers message signing and account queries for its wallet.
type Signer struct {
	wallet Wallet
	cfg    SignerConfig
	logger *slog.Logger
	d      engine.Dispatcher
}

// NewSigner creates a signer for wallet.
func NewSigner(wallet Wallet, cfg SignerConfig, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{wallet: wallet, cfg: cfg, logger: logger}
}

func (s *Signer) Name() string { return "signer" }

func (s *Signer) Attach(d engine.Dispatcher) { s.d = d }

func (s *Signer) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	switch req.Method {
	case "eth_accounts":
		return engine.AnswerResult([]string{s.address()})
	case "eth_coinbase":
		return engine.AnswerResult(s.address())
	case "eth_sendTransaction":
		return s.sendTransaction(ctx, req)
	case "eth_sign":
		addr, _ := req.StringParam(0)
		data, _ := req.StringParam(1)
		return s.signMessage(addr, data)
	case "personal_sign":
		data, _ := req.StringParam(0)
		addr, _ := req.StringParam(1)
		return s.signMessage(addr, data)
	}
	return engine.Forward(), nil
}

func (s *Signer) address() string {
	return strings.ToLower(s.wallet.Address().Hex())
}

func (s *Signer) owns(addr string) bool {
	return strings.EqualFold(jsonrpc.PrefixHex(addr), s.wallet.Address().Hex())
}

func (s *Signer) signMessage(addr, data string) (engine.Outcome, error) {
	if !s.owns(addr) {
		return engine.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownAccount, addr)
	}
	msg := []byte(data)
	if strings.HasPrefix(data, "0x") || strings.HasPrefix(data, "0X") {
		b, err := jsonrpc.DecodeBytes(data)
		if err != nil {
			return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, "invalid message data")), nil
		}
		msg = b
	}
	sig, err := s.wallet.SignMessage(msg)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return engine.AnswerResult(hexutil.Encode(sig))
}

func (s *Signer) sendTransaction(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	params, ok := objectParam(req, 0)
	if !ok {
		return engine.Answer(jsonrpc.NewErrorResponse(jsonrpc.CodeInvalidParams, "transaction must be an object")), nil
	}
	if from, ok := params["from"].(string); ok && from != "" && !s.owns(from) {
		return engine.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownAccount, from)
	}

	tx, err := s.buildTransaction(ctx, params)
	if err != nil {
		return engine.Outcome{}, err
	}

	signed, err := s.wallet.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	s.logger.DebugContext(ctx, "submitting signed transaction",
		"hash", signed.Hash().Hex(),
		"nonce", signed.Nonce(),
		"gas_price", signed.GasPrice().String(),
	)

	resp, err := s.d.Dispatch(ctx, jsonrpc.NewRequest("eth_sendRawTransaction", hexutil.Encode(raw)))
	if err != nil {
		return engine.Outcome{}, err
	}
	return engine.Answer(resp), nil
}

func (s *Signer) buildTransaction(ctx context.Context, params map[string]any) (*types.Transaction, error) {
	if raw, ok := params["chainId"]; ok && raw != nil && s.cfg.ChainID != nil {
		id, err := jsonrpc.ParseBig(raw)
		if err != nil || id.Cmp(s.cfg.ChainID) != 0 {
			return nil, fmt.Errorf("transaction chainId %v does not match %s", raw, s.cfg.ChainID)
		}
	}

	var to *common.Address
	if v, ok := params["to"].(string); ok && v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid recipient %q", v)
		}
		addr := common.HexToAddress(v)
		to = &addr
	}

	value := new(big.Int)
	if v, ok := params["value"]; ok && v != nil {
		parsed, err := jsonrpc.ParseBig(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %w", err)
		}
		value = parsed
	}

	var data []byte
	for _, key := range []string{"data", "input"} {
		if v, ok := params[key].(string); ok && v != "" {
			b, err := jsonrpc.DecodeBytes(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			data = b
			break
		}
	}

	nonce, err := s.quantity(ctx, params, "nonce", jsonrpc.NewRequest("eth_getTransactionCount", s.address(), "pending"))
	if err != nil {
		return nil, err
	}
	gasPrice, err := s.bigQuantity(ctx, params, "gasPrice", jsonrpc.NewRequest("eth_gasPrice"))
	if err != nil {
		return nil, err
	}

	var gas uint64 = TransferGas
	if v, ok := params["gas"]; ok && v != nil {
		if gas, err = jsonrpc.ParseUint64(v); err != nil {
			return nil, fmt.Errorf("invalid gas: %w", err)
		}
	} else if len(data) > 0 {
		estimate := map[string]any{"from": s.address(), "value": jsonrpc.EncodeBig(value), "data": hexutil.Encode(data)}
		if to != nil {
			estimate["to"] = strings.ToLower(to.Hex())
		}
		if gas, err = s.quantity(ctx, nil, "", jsonrpc.NewRequest("eth_estimateGas", estimate)); err != nil {
			return nil, err
		}
	}

	if s.cfg.MaxCost != nil {
		cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
		cost.Add(cost, value)
		if cost.Cmp(s.cfg.MaxCost) > 0 {
			return nil, fmt.Errorf("%w: cost %s exceeds %s", ErrCostTooHigh, cost, s.cfg.MaxCost)
		}
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

// quantity reads params[key], falling back to asking the chain with fill.
func (s *Signer) quantity(ctx context.Context, params map[string]any, key string, fill jsonrpc.Request) (uint64, error) {
	if v, ok := params[key]; ok && v != nil {
		n, err := jsonrpc.ParseUint64(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return n, nil
	}
	var hex string
	if err := engine.Call(ctx, s.d, fill, &hex); err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", fill.Method, err)
	}
	return jsonrpc.ParseUint64(hex)
}

func (s *Signer) bigQuantity(ctx context.Context, params map[string]any, key string, fill jsonrpc.Request) (*big.Int, error) {
	if v, ok := params[key]; ok && v != nil {
		n, err := jsonrpc.ParseBig(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		return n, nil
	}
	var hex string
	if err := engine.Call(ctx, s.d, fill, &hex); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", fill.Method, err)
	}
	return jsonrpc.ParseBig(hex)
}
