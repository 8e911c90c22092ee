// Package ledger is the consumer-facing layer of the gateway: a network
// factory that assembles the dispatch chain, a read API over it, and a
// transactor that signs and submits transfers.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/indexer"
	"github.com/brojonat/ethgate/service/middleware"
	"github.com/brojonat/ethgate/service/metrics"
)

// Blockchain is the ledger family every network here belongs to.
const Blockchain = "ethereum"

// Curve is the signature curve of the ledger's keys.
const Curve = "secp256k1"

// Constants are the static parameters of a network.
type Constants struct {
	ChainID         uint64 `json:"chainId"`
	MinOutputAmount uint64 `json:"minOutputAmount"`
	Curve           string `json:"curve"`
}

// Networks lists the networks known by name.
var Networks = map[string]Constants{
	"mainnet":   {ChainID: 1, MinOutputAmount: 1, Curve: Curve},
	"ropsten":   {ChainID: 3, MinOutputAmount: 1, Curve: Curve},
	"rinkeby":   {ChainID: 4, MinOutputAmount: 1, Curve: Curve},
	"goerli":    {ChainID: 5, MinOutputAmount: 1, Curve: Curve},
	"kovan":     {ChainID: 42, MinOutputAmount: 1, Curve: Curve},
	"sepolia":   {ChainID: 11155111, MinOutputAmount: 1, Curve: Curve},
	"localtest": {ChainID: 1337, MinOutputAmount: 1, Curve: Curve},
}

// NetworkNames returns the known network names, sorted.
func NetworkNames() []string {
	names := make([]string, 0, len(Networks))
	for name := range Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GasPriority names a fixed gas price preset.
type GasPriority string

const (
	GasLow        GasPriority = "low"
	GasMediumLow  GasPriority = "mediumLow"
	GasMediumHigh GasPriority = "mediumHigh"
	GasHigh       GasPriority = "high"
	GasTop        GasPriority = "top"
)

const gwei = 1_000_000_000

var gasPresets = map[GasPriority]int64{
	GasLow:        2 * gwei,
	GasMediumLow:  5 * gwei,
	GasMediumHigh: 10 * gwei,
	GasHigh:       20 * gwei,
	GasTop:        40 * gwei,
}

// Price returns the preset price in wei. The empty priority has no price.
func (p GasPriority) Price() (*big.Int, error) {
	if p == "" {
		return nil, nil
	}
	wei, ok := gasPresets[p]
	if !ok {
		return nil, fmt.Errorf("unknown gas priority %q", p)
	}
	return big.NewInt(wei), nil
}

// NetworkConfig configures a Network.
type NetworkConfig struct {
	Name string
	// Constants overrides the known constants for Name. Required for
	// networks not in Networks.
	Constants *Constants

	RPC      middleware.RPCCaller
	Endpoint string
	// Finder enables eth_listTransactions. Without one the method goes to
	// the node.
	Finder indexer.Finder

	PollInterval time.Duration
	Autostart    bool
	RateLimit    rate.Limit
	RateBurst    int
	CacheSizeMB  int
	GasPriority  GasPriority
	// MaxCost caps what a transactor's signer will sign for, in wei.
	MaxCost *big.Int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Network builds engines, readers and transactors for one ledger network.
type Network struct {
	name      string
	constants Constants
	gasPrice  *big.Int
	cfg       NetworkConfig
	logger    *slog.Logger
}

// NewNetwork validates cfg and returns the network.
func NewNetwork(cfg NetworkConfig) (*Network, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("network name is required")
	}
	if cfg.RPC == nil {
		return nil, fmt.Errorf("network %s: rpc client is required", cfg.Name)
	}

	var constants Constants
	if cfg.Constants != nil {
		constants = *cfg.Constants
	} else {
		known, ok := Networks[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("unknown network %q and no constants given", cfg.Name)
		}
		constants = known
	}
	if constants.Curve == "" {
		constants.Curve = Curve
	}

	gasPrice, err := cfg.GasPriority.Price()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.Name
	}

	return &Network{
		name:      cfg.Name,
		constants: constants,
		gasPrice:  gasPrice,
		cfg:       cfg,
		logger:    logger.With("network", cfg.Name),
	}, nil
}

// Name returns the network name.
func (n *Network) Name() string { return n.name }

// Constants returns the network constants.
func (n *Network) Constants() Constants { return n.constants }

// Pipeline is an engine together with the resources its units hold.
type Pipeline struct {
	*engine.Engine
	cache *middleware.Cache
	once  sync.Once
}

// Close stops polling and releases the cache. It is safe to call twice.
func (p *Pipeline) Close() error {
	var err error
	p.once.Do(func() {
		p.Engine.Stop()
		err = p.cache.Close()
	})
	return err
}

// NewEngine assembles the standard chain. The signer is included only when
// wallet is non-nil.
func (n *Network) NewEngine(wallet middleware.Wallet) (*Pipeline, error) {
	fixture, err := middleware.NewFixture(n.constants.ChainID, nil)
	if err != nil {
		return nil, err
	}
	cache, err := middleware.NewCache(context.Background(), middleware.CacheConfig{MaxSizeMB: n.cfg.CacheSizeMB}, n.cfg.Metrics, n.logger)
	if err != nil {
		return nil, err
	}

	units := []engine.Middleware{
		fixture,
		middleware.NewNonceTracker(n.logger),
		middleware.NewSanitizer(),
		cache,
		middleware.NewFilter(n.logger),
	}
	if wallet != nil {
		units = append(units, middleware.NewSigner(wallet, middleware.SignerConfig{
			ChainID: new(big.Int).SetUint64(n.constants.ChainID),
			MaxCost: n.cfg.MaxCost,
		}, n.logger))
	}
	units = append(units, middleware.NewGasPrice(n.gasPrice))
	if n.cfg.Finder != nil {
		units = append(units, middleware.NewHistory(n.cfg.Finder, n.logger))
	}
	units = append(units, middleware.NewTransport(n.cfg.RPC, middleware.TransportConfig{
		Endpoint:  n.cfg.Endpoint,
		RateLimit: n.cfg.RateLimit,
		Burst:     n.cfg.RateBurst,
	}, n.cfg.Metrics, n.logger))

	e := engine.New(engine.Config{
		Network:      n.name,
		PollInterval: n.cfg.PollInterval,
		Autostart:    n.cfg.Autostart,
		Logger:       n.logger,
		Metrics:      n.cfg.Metrics,
	}, units...)

	return &Pipeline{Engine: e, cache: cache}, nil
}

// CreateBlockchainAPI returns a reader over a fresh engine.
func (n *Network) CreateBlockchainAPI() (*Reader, error) {
	p, err := n.NewEngine(nil)
	if err != nil {
		return nil, err
	}
	r := NewReader(n.name, n.constants, p, n.logger)
	r.aggregator.WithMetrics(n.name, n.cfg.Metrics)
	return r, nil
}

// CreateTransactor returns a transactor signing with wallet over its own
// engine.
func (n *Network) CreateTransactor(wallet middleware.Wallet, cfg TransactorConfig) (*Transactor, error) {
	if wallet == nil {
		return nil, fmt.Errorf("wallet is required")
	}
	p, err := n.NewEngine(wallet)
	if err != nil {
		return nil, err
	}
	cfg.Network = n.name
	cfg.ChainID = n.constants.ChainID
	if cfg.Metrics == nil {
		cfg.Metrics = n.cfg.Metrics
	}
	return NewTransactor(p, wallet, cfg, n.logger), nil
}

// PubKeyToAddress derives the address of a public key. See the package-level
// function of the same name.
func (n *Network) PubKeyToAddress(pub []byte) (string, error) {
	return PubKeyToAddress(pub)
}

// GenerateKey creates a fresh key pair.
func (n *Network) GenerateKey() (*Key, error) {
	return GenerateKey()
}
