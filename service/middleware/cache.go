package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/metrics"
)

type cacheStrategy int

const (
	strategyNever cacheStrategy = iota
	// permanent results never change once they exist (mined tx, block by hash)
	strategyPermanent
	// block results are valid for the chain height they were fetched at
	strategyBlock
)

var permanentMethods = map[string]bool{
	"eth_getTransactionByHash":              true,
	"eth_getTransactionReceipt":             true,
	"eth_getBlockByHash":                    true,
	"eth_getTransactionByBlockHashAndIndex": true,
	"eth_getBlockTransactionCountByHash":    true,
	"eth_getUncleByBlockHashAndIndex":       true,
	"eth_getUncleCountByBlockHash":          true,
	"eth_getRawTransactionByHash":           true,
}

// blockParamIndex maps block-scoped methods to the position of their block
// parameter.
var blockParamIndex = map[string]int{
	"eth_getBalance":                          1,
	"eth_getCode":                             1,
	"eth_getTransactionCount":                 1,
	"eth_call":                                1,
	"eth_getStorageAt":                        2,
	"eth_getBlockByNumber":                    0,
	"eth_getBlockTransactionCountByNumber":    0,
	"eth_getTransactionByBlockNumberAndIndex": 0,
	"eth_getUncleCountByBlockNumber":          0,
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxSizeMB  int
	LifeWindow time.Duration
}

// Cache answers repeated reads from a bounded in-memory store. Entries are
// keyed by request identity plus the height bucket the read was made at,
// written only from successful answers, and dropped wholesale when a
// reorganisation is seen or cannot be ruled out.
type Cache struct {
	store   *bigcache.BigCache
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	seen     bool
	height   uint64
	lastHash string
	// bumped on every reset; answers to reads made before it are not stored
	generation uint64
	resets     int
}

// pendingEntry is what a forwarded read carries to ObserveResponse.
type pendingEntry struct {
	key        string
	generation uint64
}

// NewCache allocates the store.
func NewCache(ctx context.Context, cfg CacheConfig, m *metrics.Metrics, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	life := cfg.LifeWindow
	if life <= 0 {
		life = 10 * time.Minute
	}
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 64
	}

	bc := bigcache.DefaultConfig(life)
	bc.Shards = 64
	bc.HardMaxCacheSize = size
	bc.MaxEntrySize = 2048
	bc.Verbose = false

	store, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Cache{store: store, logger: logger, metrics: m}, nil
}

func (c *Cache) Name() string { return "cache" }

func (c *Cache) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	key, generation, ok := c.key(req)
	if !ok {
		return engine.Forward(), nil
	}
	pending := pendingEntry{key: key, generation: generation}

	entry, err := c.store.Get(key)
	hit := err == nil
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(req.Method, hit)
	}
	if !hit {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.logger.WarnContext(ctx, "cache lookup failed", "method", req.Method, "error", err)
		}
		return engine.Forward().Noting(pending), nil
	}
	return engine.Answer(&jsonrpc.Response{Result: json.RawMessage(entry)}), nil
}

// ObserveResponse stores successful, complete answers under the key chosen
// when the read was forwarded.
func (c *Cache) ObserveResponse(ctx context.Context, req jsonrpc.Request, note any, resp *jsonrpc.Response, err error) {
	pending, ok := note.(pendingEntry)
	if !ok {
		return
	}
	if err != nil || resp == nil || resp.Error != nil || resp.IsNull() {
		return
	}
	if permanentMethods[req.Method] && !settled(req.Method, resp) {
		return
	}

	c.mu.Lock()
	stale := pending.generation != c.generation
	c.mu.Unlock()
	if stale {
		return
	}
	if err := c.store.Set(pending.key, resp.Result); err != nil {
		c.logger.DebugContext(ctx, "cache store failed", "method", req.Method, "error", err)
	}
}

// ObserveBlock advances the height bucket. The store is reset when the block
// does not build on the last one seen, or when heights were skipped while
// hashes are being tracked, since the skipped range cannot be checked.
func (c *Cache) ObserveBlock(ctx context.Context, b engine.Block) {
	c.mu.Lock()
	tracked := c.seen && c.lastHash != "" && b.ParentHash != ""
	var reason string
	switch {
	case tracked && b.Height == c.height+1 && b.ParentHash != c.lastHash:
		reason = "parent mismatch"
	case tracked && b.Height > c.height+1:
		reason = "heights skipped"
	}
	c.seen = true
	c.height = b.Height
	c.lastHash = b.Hash
	c.mu.Unlock()

	if reason != "" {
		c.reset(ctx, b, reason)
	}
}

// ObserveReorg resets the store when the head at the current height changed.
func (c *Cache) ObserveReorg(ctx context.Context, b engine.Block) {
	c.mu.Lock()
	changed := b.Height <= c.height && b.Hash != c.lastHash
	if changed && b.Height == c.height {
		c.lastHash = b.Hash
	}
	c.mu.Unlock()

	if changed {
		c.reset(ctx, b, "head replaced")
	}
}

func (c *Cache) reset(ctx context.Context, b engine.Block, reason string) {
	c.mu.Lock()
	c.generation++
	c.resets++
	c.mu.Unlock()

	c.logger.WarnContext(ctx, "possible chain reorganisation, clearing cache", "height", b.Height, "reason", reason)
	if err := c.store.Reset(); err != nil {
		c.logger.ErrorContext(ctx, "failed to reset cache", "error", err)
	}
}

// Reorgs returns how many times a possible reorganisation reset the cache.
func (c *Cache) Reorgs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Close releases the store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) strategy(req jsonrpc.Request) cacheStrategy {
	if permanentMethods[req.Method] {
		return strategyPermanent
	}
	idx, ok := blockParamIndex[req.Method]
	if !ok {
		return strategyNever
	}
	tag, _ := req.StringParam(idx)
	if tag == "pending" {
		return strategyNever
	}
	// block lookups by tag move with the head; only explicit numbers are stable
	if idx == 0 && blockTags[tag] {
		return strategyNever
	}
	return strategyBlock
}

func (c *Cache) key(req jsonrpc.Request) (string, uint64, bool) {
	strategy := c.strategy(req)
	if strategy == strategyNever {
		return "", 0, false
	}

	c.mu.Lock()
	seen, height, generation := c.seen, c.height, c.generation
	c.mu.Unlock()

	if strategy == strategyPermanent {
		return req.Key() + "@perm", generation, true
	}
	if !seen {
		return "", 0, false
	}
	return req.Key() + "@" + strconv.FormatUint(height, 10), generation, true
}

// settled reports whether a permanent-method answer is final. A transaction
// that is still pending has a null blockNumber and may change.
func settled(method string, resp *jsonrpc.Response) bool {
	if method != "eth_getTransactionByHash" && method != "eth_getTransactionByBlockHashAndIndex" {
		return true
	}
	var tx struct {
		BlockNumber *string `json:"blockNumber"`
	}
	if err := json.Unmarshal(resp.Result, &tx); err != nil {
		return false
	}
	return tx.BlockNumber != nil
}
