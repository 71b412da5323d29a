// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the streaming daemon. Defaults are provided via struct tags and
// loaded with envdecode.
type Config struct {
	// ListenAddr like ":8080". ENV: PROCSTREAM_LISTEN
	ListenAddr string `env:"PROCSTREAM_LISTEN,default=:8080"`
	// UpstreamURL is the base URL of the procedure registry. ENV: PROCSTREAM_UPSTREAM_URL
	UpstreamURL string `env:"PROCSTREAM_UPSTREAM_URL,required"`
	// HeartbeatInterval between keepalive probes. ENV: PROCSTREAM_HEARTBEAT_INTERVAL
	HeartbeatInterval time.Duration `env:"PROCSTREAM_HEARTBEAT_INTERVAL,default=30s"`
	// CatalogCacheTTL bounds staleness of cached registry responses. ENV: PROCSTREAM_CATALOG_CACHE_TTL
	CatalogCacheTTL time.Duration `env:"PROCSTREAM_CATALOG_CACHE_TTL,default=1m"`
	// RedisAddr like "localhost:6379"; empty selects the in-process cache. ENV: PROCSTREAM_REDIS_ADDR
	RedisAddr string `env:"PROCSTREAM_REDIS_ADDR,default="`
}

// Load populates a Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL %q: %w", c.UpstreamURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.CatalogCacheTTL <= 0 {
		return fmt.Errorf("catalog cache TTL must be positive, got %s", c.CatalogCacheTTL)
	}
	return nil
}
