// Package fetch provides the shared pool of HTTP clients used for every
// outbound request, API polls and media downloads alike. Each client wraps
// one egress route (direct or through one upstream proxy) and enforces its
// own minimum inter-request delay; callers ask the pool for "a client" and
// receive one chosen by rotation and pacing availability.
//
// Clients surface transport failures and HTTP error statuses to the caller
// instead of retrying internally. Retry policy belongs to the scheduler so
// that it can differ between index polls and media downloads.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultDelay is the minimum interval between requests on one client
	// unless configured otherwise.
	DefaultDelay = time.Second

	defaultTimeout = 2 * time.Minute
)

// StatusError reports a non-success HTTP status. The response body has
// already been closed when a StatusError is returned.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// Temporary reports whether the status indicates a transient condition worth
// retrying (rate limiting or a server-side failure).
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client binds one egress route to its pacing state.
type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	agent   string
}

// Name returns the label the client was registered under.
func (c *Client) Name() string { return c.name }

// ready reports whether a request could proceed without waiting on pacing.
func (c *Client) ready() bool {
	return c.limiter.Tokens() >= 1
}

// Do waits out the client's pacing window, executes the request and returns
// the response. Non-2xx statuses are converted to *StatusError with the body
// drained and closed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pacing wait: %w", err)
	}
	if req.Header.Get("User-Agent") == "" && c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
	}
	return resp, nil
}

// Get issues a GET request through the client.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.Do(ctx, req)
}

// Pool is the ordered set of registered clients. It is shared by all
// concurrent scrape cycles; pacing self-synchronizes per client.
type Pool struct {
	mu        sync.Mutex
	clients   []*Client
	next      int
	userAgent string
	timeout   time.Duration
}

// Option adjusts pool construction.
type Option func(*Pool)

// WithUserAgent sets the User-Agent applied to requests without one.
func WithUserAgent(agent string) Option {
	return func(p *Pool) { p.userAgent = agent }
}

// WithTimeout sets the per-request timeout for clients registered later.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// NewPool builds an empty pool. A direct client is auto-registered on first
// Acquire if nothing was registered explicitly.
func NewPool(opts ...Option) *Pool {
	p := &Pool{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterDirect adds a client using a direct connection.
func (p *Pool) RegisterDirect(label string, minDelay time.Duration) {
	p.register(&http.Client{Timeout: p.timeout}, label, minDelay)
}

// RegisterProxy adds a client routed through the given upstream HTTP proxy.
func (p *Pool) RegisterProxy(proxyURL, label string, minDelay time.Duration) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url %q: %w", proxyURL, err)
	}
	httpClient := &http.Client{
		Timeout:   p.timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
	p.register(httpClient, label, minDelay)
	return nil
}

// RegisterClient adds a client backed by the supplied http.Client. Primarily
// for tests.
func (p *Pool) RegisterClient(httpClient *http.Client, label string, minDelay time.Duration) {
	p.register(httpClient, label, minDelay)
}

func (p *Pool) register(httpClient *http.Client, label string, minDelay time.Duration) {
	if minDelay <= 0 {
		minDelay = DefaultDelay
	}
	c := &Client{
		name:    label,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(minDelay), 1),
		agent:   p.userAgent,
	}
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

// Len reports the number of registered clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Acquire returns the next client in rotation, preferring one that is
// outside its pacing window. If every client is paced the rotation choice is
// returned anyway and its Do call blocks until the window opens. With no
// registered configuration a single direct client is auto-registered, the
// degenerate single-route mode.
func (p *Pool) Acquire() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.clients) == 0 {
		c := &Client{
			name:    "direct/none",
			http:    &http.Client{Timeout: p.timeout},
			limiter: rate.NewLimiter(rate.Every(DefaultDelay), 1),
			agent:   p.userAgent,
		}
		p.clients = append(p.clients, c)
	}

	n := len(p.clients)
	fallback := p.clients[p.next%n]
	for i := 0; i < n; i++ {
		c := p.clients[(p.next+i)%n]
		if c.ready() {
			p.next = (p.next + i + 1) % n
			return c
		}
	}
	p.next = (p.next + 1) % n
	return fallback
}
