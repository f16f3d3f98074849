// Package filterapi is the HTTPS side channel to the mail filter service.
// Each account talks to https://webmail.<domain>:<port><prefix>, keyed by an
// API key bootstrapped over email on first use.
package filterapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nhle/mailrpc/internal/model"
)

var (
	// ErrUnsupportedVerb is returned by Confirm for commands with no HTTP
	// equivalent.
	ErrUnsupportedVerb = errors.New("verb has no side channel endpoint")

	// ErrNoCommander is returned when an API key must be bootstrapped but
	// no email transport was attached.
	ErrNoCommander = errors.New("no email transport for key bootstrap")
)

// AuthError indicates that the service rejected the account's API key. The
// cached key has been discarded by the time it is returned.
type AuthError struct {
	AccountID  string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("filter API rejected key for %s (%d)", e.AccountID,
		e.StatusCode)
}

// StatusError is a non-success reply other than an auth failure.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.StatusCode,
		e.Method, e.Path, e.Body)
}

// Accounts looks up configured mail accounts.
type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
}

// Config configures a Client.
type Config struct {
	Accounts Accounts
	Keys     KeyStore

	Port       int
	PathPrefix string

	// RateLimit is requests per second across all accounts; Burst is the
	// bucket size. A zero RateLimit disables limiting.
	RateLimit float64
	Burst     int

	// Trace logs every request and reply.
	Trace bool

	// Insecure skips TLS verification for self-signed service
	// certificates.
	Insecure bool

	// BaseURL replaces the domain-derived scheme, host and port.
	BaseURL string

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

// ConfigFromModel maps the file configuration onto a Config.
func ConfigFromModel(c model.FilterAPIConfig) Config {
	return Config{
		Port:       c.Port,
		PathPrefix: c.PathPrefix,
		RateLimit:  c.RateLimit,
		Burst:      c.Burst,
		Trace:      c.Trace,
		Insecure:   c.Insecure,
	}
}

// Client is a thin HTTP client for the filter service. It handles API key
// authentication, JSON marshaling, and retry with exponential backoff on
// HTTP 429.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	keys       *keyCache
}

// NewClient creates a Client. Attach the email transport with SetCommander
// before the first call that needs a key bootstrap.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Accounts == nil || cfg.Keys == nil {
		return nil, errors.New("filterapi: Accounts and Keys are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 4443
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/mailfilter"
	}
	cfg.PathPrefix = "/" + strings.Trim(cfg.PathPrefix, "/")

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Insecure {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}
	if cfg.Trace {
		transport = wrapTrace(transport)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := max(cfg.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		limiter:    limiter,
		maxRetries: 3,
		keys:       newKeyCache(cfg.Keys),
	}, nil
}

// SetCommander attaches the email transport used to bootstrap API keys.
func (c *Client) SetCommander(cmd Commander) {
	c.keys.setCommander(cmd)
}

// Get performs an HTTP GET and decodes the JSON reply.
func (c *Client) Get(ctx context.Context, accountID, path,
	requestID string) (map[string]any, error) {

	return c.do(ctx, accountID, http.MethodGet, path, nil, requestID)
}

// Post performs an HTTP POST with a JSON body. A nil body sends {}.
func (c *Client) Post(ctx context.Context, accountID, path string, body any,
	requestID string) (map[string]any, error) {

	if body == nil {
		body = map[string]any{}
	}
	return c.do(ctx, accountID, http.MethodPost, path, body, requestID)
}

// Put performs an HTTP PUT.
func (c *Client) Put(ctx context.Context, accountID, path,
	requestID string) (map[string]any, error) {

	return c.do(ctx, accountID, http.MethodPut, path, nil, requestID)
}

// Delete performs an HTTP DELETE.
func (c *Client) Delete(ctx context.Context, accountID, path,
	requestID string) (map[string]any, error) {

	return c.do(ctx, accountID, http.MethodDelete, path, nil, requestID)
}

// Confirm issues the HTTP form of an email command under the same request
// id. Only dump and mkbook have endpoints.
func (c *Client) Confirm(ctx context.Context, accountID, requestID,
	verb string, args []string, body any) (map[string]any, error) {

	switch verb {
	case "dump":
		return c.Get(ctx, accountID, "/dump", requestID)

	case "mkbook":
		path := "/mkbook"
		if len(args) > 0 {
			path += "/" + strings.Join(args, "/")
		}
		return c.Post(ctx, accountID, path, body, requestID)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVerb, verb)
	}
}

func (c *Client) endpoint(acct model.Account, path string) (string, error) {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if base == "" {
		ident, err := acct.PrimaryIdentity()
		if err != nil {
			return "", err
		}
		domain := ident.Domain()
		if domain == "" {
			return "", fmt.Errorf("account %s has no domain", acct.ID)
		}
		base = fmt.Sprintf("https://webmail.%s:%d", domain, c.cfg.Port)
	}
	return base + c.cfg.PathPrefix + path, nil
}

// do is the core HTTP method that builds the request, handles auth, rate
// limiting with exponential backoff, and JSON (de)serialization.
func (c *Client) do(ctx context.Context, accountID, method, path string,
	body any, requestID string) (map[string]any, error) {

	acct, err := c.cfg.Accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	url, err := c.endpoint(acct, path)
	if err != nil {
		return nil, err
	}
	key, err := c.keys.get(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("api key for %s: %w", acct.ID, err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if data != nil {
			bodyReader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("X-Api-Key", key)
		req.Header.Set("X-Request-Id", requestID)
		req.Header.Set("Accept", "application/json")
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request %s %s: %w", method,
				path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method,
				path)
			log.DebugS(ctx, "Filter API rate limited", "path", path,
				"wait", wait)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
				continue
			}

		case resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden:

			c.keys.purge(ctx, acct.ID)
			return nil, &AuthError{
				AccountID: acct.ID, StatusCode: resp.StatusCode,
			}

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &StatusError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(respBody)),
			}
		}

		if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
			return map[string]any{}, nil
		}

		var result map[string]any
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("unmarshaling response from %s %s: %w",
				method, path, err)
		}

		return result, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries,
		lastErr)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	return min(backoff, 30*time.Second)
}
