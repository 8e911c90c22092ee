package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/brojonat/ethgate/service/metrics"
)

const (
	defaultPageSize = 1000
	defaultMaxPages = 10
	// explorers treat this as "up to the latest block"
	latestBlock = 99999999
)

// ClientConfig configures an explorer Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// PageSize is the offset parameter sent per page.
	PageSize int
	// MaxPages bounds pagination; explorers reject page*offset beyond 10000.
	MaxPages   int
	RateLimit  rate.Limit
	Burst      int
	HTTPClient *http.Client
}

// Client is a Finder backed by an explorer speaking the account/txlist API.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	maxPages   int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates an explorer client. A zero RateLimit disables limiting.
func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		pageSize:   pageSize,
		maxPages:   maxPages,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		metrics:    m,
	}
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Find pages through the address's transaction list and keeps the records
// on the requested side.
func (c *Client) Find(ctx context.Context, address string, dir Direction, startBlock, endBlock uint64) ([]RawTransaction, error) {
	recs, err := c.list(ctx, address, string(dir), startBlock, endBlock)
	if err != nil {
		return nil, err
	}
	var out []RawTransaction
	for _, rec := range recs {
		if matches(rec, address, dir) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// List returns every record of the address's transaction list in one pass,
// oldest first, whichever side the address is on.
func (c *Client) List(ctx context.Context, address string, startBlock, endBlock uint64) ([]RawTransaction, error) {
	return c.list(ctx, address, string(DirectionBoth), startBlock, endBlock)
}

func (c *Client) list(ctx context.Context, address, label string, startBlock, endBlock uint64) ([]RawTransaction, error) {
	start := time.Now()
	status := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordIndexerCall(label, status, time.Since(start).Seconds())
		}
	}()

	var out []RawTransaction
	truncated := false
	for page := 1; page <= c.maxPages; page++ {
		recs, err := c.fetchPage(ctx, address, startBlock, endBlock, page)
		if err != nil {
			if IsNoTransactions(err) {
				if page == 1 {
					status = "empty"
					return nil, err
				}
				break
			}
			status = "error"
			return nil, err
		}
		out = append(out, recs...)

		if len(recs) < c.pageSize {
			break
		}
		truncated = page == c.maxPages
	}

	if truncated {
		status = "truncated"
		kept := trimLastBlock(out)
		c.logger.WarnContext(ctx, "explorer pagination limit reached, history continues after the last complete block",
			"address", address,
			"pages", c.maxPages,
			"fetched", len(out),
			"kept", len(kept),
		)
		out = kept
	}

	c.logger.DebugContext(ctx, "explorer lookup complete",
		"address", address,
		"direction", label,
		"count", len(out),
	)
	return out, nil
}

// trimLastBlock drops the records of the highest block in an ascending list
// cut off by pagination, since that block may be incomplete. A list holding
// a single block is returned as is.
func trimLastBlock(recs []RawTransaction) []RawTransaction {
	if len(recs) == 0 {
		return recs
	}
	last := recs[len(recs)-1].BlockNumber
	i := len(recs)
	for i > 0 && recs[i-1].BlockNumber == last {
		i--
	}
	if i == 0 {
		return recs
	}
	return recs[:i]
}

func matches(rec RawTransaction, address string, dir Direction) bool {
	switch dir {
	case DirectionFrom:
		return strings.EqualFold(rec.From, address)
	case DirectionTo:
		return strings.EqualFold(rec.To, address)
	default:
		return true
	}
}

func (c *Client) fetchPage(ctx context.Context, address string, startBlock, endBlock uint64, page int) ([]RawTransaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if endBlock == 0 {
		endBlock = latestBlock
	}
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", strconv.FormatUint(endBlock, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "asc")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("explorer returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode explorer response: %w", err)
	}

	if payload.Status != "1" {
		if noTransactionsPattern.MatchString(payload.Message) {
			return nil, ErrNoTransactions
		}
		var detail string
		if err := json.Unmarshal(payload.Result, &detail); err != nil {
			detail = string(payload.Result)
		}
		return nil, fmt.Errorf("explorer error: %s: %s", payload.Message, detail)
	}

	var recs []RawTransaction
	if err := json.Unmarshal(payload.Result, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode explorer records: %w", err)
	}
	return recs, nil
}
