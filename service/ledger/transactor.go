package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/metrics"
	"github.com/brojonat/ethgate/service/middleware"
)

const (
	// DefaultMaxAttempts bounds submissions of one transfer, the first
	// included.
	DefaultMaxAttempts = 8
	// DefaultMaxGasPriceMultiple bounds escalation relative to the first
	// price tried.
	DefaultMaxGasPriceMultiple = 4
	// GasPriceTTL is how long a fetched gas price is reused.
	GasPriceTTL = 60 * time.Second
	// gasPriceTimeout bounds a shared gas price fetch.
	gasPriceTimeout = 15 * time.Second
)

var (
	// ErrUnsupportedRecipientCount is returned for transfers that do not
	// have exactly one recipient.
	ErrUnsupportedRecipientCount = errors.New("exactly one recipient is supported")
	// ErrUnderpriced is wrapped by the error returned once escalation gives up.
	ErrUnderpriced = errors.New("transaction underpriced")
)

var underpricedPattern = regexp.MustCompile(`(?i)underpriced`)

// IsUnderpriced reports whether err is a fee-too-low rejection.
func IsUnderpriced(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnderpriced) || underpricedPattern.MatchString(err.Error())
}

// Output is one recipient of a transfer. Amount is in wei.
type Output struct {
	Address string   `json:"address"`
	Amount  *big.Int `json:"amount"`
}

// SendRequest describes a transfer. A nil GasPrice uses the network's
// suggested price.
type SendRequest struct {
	To       []Output `json:"to"`
	Data     string   `json:"data,omitempty"`
	GasPrice *big.Int `json:"gasPrice,omitempty"`
}

// SendResult identifies an accepted transfer.
type SendResult struct {
	TxID     string   `json:"txId"`
	GasPrice *big.Int `json:"gasPrice"`
	Attempts int      `json:"attempts"`
}

// TransactorConfig configures a Transactor.
type TransactorConfig struct {
	Network string
	ChainID uint64
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// MaxGasPrice caps escalation. Nil means DefaultMaxGasPriceMultiple
	// times the first price tried.
	MaxGasPrice *big.Int
	Metrics     *metrics.Metrics
}

// Transactor signs and submits single-recipient transfers, raising the gas
// price when the network rejects a submission as underpriced.
type Transactor struct {
	chain  Chain
	wallet middleware.Wallet
	cfg    TransactorConfig
	logger *slog.Logger
	now    func() time.Time

	gasMu      sync.Mutex
	gasPrice   *big.Int
	gasFetched time.Time
	gasGroup   singleflight.Group
}

// NewTransactor creates a transactor over chain. The chain must sign for
// wallet.
func NewTransactor(chain Chain, wallet middleware.Wallet, cfg TransactorConfig, logger *slog.Logger) *Transactor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Transactor{
		chain:  chain,
		wallet: wallet,
		cfg:    cfg,
		logger: logger.With("from", wallet.Address().Hex()),
		now:    time.Now,
	}
}

// Address returns the sending address, lower-case and unprefixed.
func (t *Transactor) Address() string {
	return bareHex(t.wallet.Address().Hex())
}

// Start begins block polling.
func (t *Transactor) Start() { t.chain.Start() }

// Stop halts block polling.
func (t *Transactor) Stop() { t.chain.Stop() }

// Close stops the transactor for good.
func (t *Transactor) Close() error { return t.chain.Close() }

// Balance returns the wallet's balance in wei.
func (t *Transactor) Balance(ctx context.Context) (*big.Int, error) {
	if err := t.chain.WaitReady(ctx); err != nil {
		return nil, err
	}
	return balance(ctx, t.chain, strings.ToLower(t.wallet.Address().Hex()))
}

// Send submits the transfer described by req. It starts the chain if it is
// not running and waits for it to observe a block.
func (t *Transactor) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if len(req.To) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedRecipientCount, len(req.To))
	}
	out := req.To[0]
	if out.Address == "" {
		return nil, errors.New("recipient address is required")
	}

	t.chain.Start()
	if err := t.chain.WaitReady(ctx); err != nil {
		return nil, err
	}

	price := req.GasPrice
	if price == nil {
		suggested, err := t.suggestedGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		price = suggested
	}
	ceiling := t.cfg.MaxGasPrice
	if ceiling == nil {
		ceiling = new(big.Int).Mul(price, big.NewInt(DefaultMaxGasPriceMultiple))
	}

	for attempt := 1; ; attempt++ {
		txID, err := t.submit(ctx, out, req.Data, price)
		if err == nil {
			t.record("success")
			t.logger.InfoContext(ctx, "transaction submitted",
				"tx_id", txID,
				"to", out.Address,
				"gas_price", price.String(),
				"attempts", attempt,
			)
			return &SendResult{TxID: txID, GasPrice: price, Attempts: attempt}, nil
		}
		if !IsUnderpriced(err) {
			t.record("error")
			return nil, err
		}

		next := escalate(price)
		if attempt >= t.cfg.MaxAttempts || next.Cmp(ceiling) > 0 {
			t.record("underpriced")
			return nil, fmt.Errorf("%w: gave up after %d attempts at gas price %s: %v", ErrUnderpriced, attempt, price, err)
		}

		t.logger.WarnContext(ctx, "submission underpriced, raising gas price",
			"attempt", attempt,
			"gas_price", price.String(),
			"next_gas_price", next.String(),
		)
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordGasEscalation(t.cfg.Network)
		}
		price = next
	}
}

// escalate returns price raised by 10% plus one wei.
func escalate(price *big.Int) *big.Int {
	next := new(big.Int).Mul(price, big.NewInt(110))
	next.Quo(next, big.NewInt(100))
	return next.Add(next, big.NewInt(1))
}

func (t *Transactor) submit(ctx context.Context, out Output, data string, price *big.Int) (string, error) {
	amount := out.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	tx := map[string]any{
		"from":     strings.ToLower(t.wallet.Address().Hex()),
		"to":       jsonrpc.PrefixHex(out.Address),
		"value":    jsonrpc.EncodeBig(amount),
		"gas":      jsonrpc.EncodeUint64(middleware.TransferGas),
		"gasPrice": jsonrpc.EncodeBig(price),
		"chainId":  jsonrpc.EncodeUint64(t.cfg.ChainID),
	}
	if data != "" {
		tx["data"] = jsonrpc.PrefixHex(data)
	}

	var hash string
	if err := engine.Call(ctx, t.chain, jsonrpc.NewRequest("eth_sendTransaction", tx), &hash); err != nil {
		return "", err
	}
	return bareHex(hash), nil
}

// suggestedGasPrice returns the network's price, reusing a fetched value
// for GasPriceTTL. Concurrent refreshes share one request.
func (t *Transactor) suggestedGasPrice(ctx context.Context) (*big.Int, error) {
	if p, ok := t.cachedGasPrice(); ok {
		return p, nil
	}

	// The fetch outlives any one caller, so it runs detached from the
	// caller that happened to start it.
	ch := t.gasGroup.DoChan("eth_gasPrice", func() (any, error) {
		if p, ok := t.cachedGasPrice(); ok {
			return p, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gasPriceTimeout)
		defer cancel()
		var hex string
		if err := engine.Call(fctx, t.chain, jsonrpc.NewRequest("eth_gasPrice"), &hex); err != nil {
			return nil, fmt.Errorf("failed to fetch gas price: %w", err)
		}
		p, err := jsonrpc.ParseBig(hex)
		if err != nil {
			return nil, fmt.Errorf("invalid gas price %q: %w", hex, err)
		}
		t.gasMu.Lock()
		t.gasPrice = p
		t.gasFetched = t.now()
		t.gasMu.Unlock()
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordGasPriceFetch(t.cfg.Network, "network")
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return new(big.Int).Set(r.Val.(*big.Int)), nil
	}
}

func (t *Transactor) cachedGasPrice() (*big.Int, bool) {
	t.gasMu.Lock()
	defer t.gasMu.Unlock()
	if t.gasPrice == nil || t.now().Sub(t.gasFetched) >= GasPriceTTL {
		return nil, false
	}
	return new(big.Int).Set(t.gasPrice), true
}

func (t *Transactor) record(status string) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordSubmission(t.cfg.Network, status)
	}
}
