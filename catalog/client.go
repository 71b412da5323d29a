package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/procstream/procstream-go/storage"
)

const (
	listCacheKey       = "procedures"
	describeCachePrefx = "procedures/"
)

// Client is an HTTP Provider against the upstream registry API:
//
//	GET {base}/v1/procedures
//	GET {base}/v1/procedures/{name}
//
// When a cache is configured, raw response bodies are served from it within
// the configured TTL before the upstream is consulted.
type Client struct {
	baseURL  *url.URL
	httpc    *http.Client
	cache    storage.Storage
	cacheTTL time.Duration
	log      *slog.Logger
}

var _ Provider = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the http.Client used for upstream calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpc = c
		}
	}
}

// WithCache serves list/describe responses from the given storage for ttl
// before re-fetching upstream.
func WithCache(s storage.Storage, ttl time.Duration) ClientOption {
	return func(cl *Client) {
		cl.cache = s
		cl.cacheTTL = ttl
	}
}

// WithClientLogger sets the slog logger. Defaults to slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// NewClient builds a Client for the registry at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("registry URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cl := &Client{
		baseURL: u,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl, nil
}

func (c *Client) ListProcedures(ctx context.Context) ([]Procedure, error) {
	body, err := c.fetch(ctx, "/v1/procedures", listCacheKey)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Procedures []Procedure `json:"procedures"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode procedure listing: %w", err)
	}
	return payload.Procedures, nil
}

func (c *Client) DescribeProcedure(ctx context.Context, name string) (*Procedure, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrProcedureNotFound)
	}
	body, err := c.fetch(ctx, "/v1/procedures/"+url.PathEscape(name), describeCachePrefx+name)
	if err != nil {
		return nil, err
	}

	var proc Procedure
	if err := json.Unmarshal(body, &proc); err != nil {
		return nil, fmt.Errorf("failed to decode procedure %q: %w", name, err)
	}
	return &proc, nil
}

// fetch returns the response body for path, consulting the cache first and
// populating it on a successful upstream read.
func (c *Client) fetch(ctx context.Context, path, cacheKey string) ([]byte, error) {
	if c.cache != nil {
		item, err := c.cache.Get(ctx, cacheKey)
		if err != nil {
			// Cache trouble is not fatal; fall through to the upstream.
			c.log.WarnContext(ctx, "catalog.cache.get.fail",
				slog.String("key", cacheKey), slog.String("err", err.Error()))
		} else if item != nil {
			return item.Data, nil
		}
	}

	// JoinPath keeps Path and RawPath consistent, so escaped procedure names
	// survive the round trip unmangled.
	u := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, path)
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("registry returned status %d for %s", res.StatusCode, path)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read registry response: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, body, c.cacheTTL); err != nil {
			c.log.WarnContext(ctx, "catalog.cache.set.fail",
				slog.String("key", cacheKey), slog.String("err", err.Error()))
		}
	}
	return body, nil
}
