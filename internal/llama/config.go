package llama

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is where a llama.cpp server listens when started without --host/--port.
const DefaultBaseURL = "http://localhost:8080"

type Config struct {
	BaseURL string // default: DefaultBaseURL
	APIKey  string // optional, sent as a bearer token (llama.cpp --api-key)

	// UpstreamTimeout bounds a whole request including the stream body.
	// Zero means no timeout: callers cancel through their context.
	UpstreamTimeout time.Duration
	// MaxRetries is the number of extra connection attempts before the
	// stream opens. Zero (the default) disables retries.
	MaxRetries  int
	BaseBackoff time.Duration // initial backoff when retries are enabled (default: 100ms)

	MaxIdleConns        int // default: 16
	MaxIdleConnsPerHost int // default: 16

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks that BaseURL is an absolute http(s) URL.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BaseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BaseURL: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("BaseURL: host is required")
	}
	return nil
}

// WithDefaults returns a copy of Config with defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.UpstreamTimeout < 0 {
		cfg.UpstreamTimeout = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 16
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}

	return cfg
}

type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a llama.cpp completion client.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("llamaclient"),
	}, nil
}

// defaultTransport keeps connections to the local server alive between
// completions. There is no response header timeout: prompt evaluation on a
// large context can take a long time before the first byte arrives.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases idle connections held by the client.
func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
