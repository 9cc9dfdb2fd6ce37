package vendorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// StatusError is returned when the vendor service answers with a non-2xx
// status. Status holds the HTTP status text (e.g. "Unauthorized").
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// Auth holds authentication settings for vendor API calls.
type Auth struct {
	Key    string // Token or key value.
	Header string // Header name (default: "Authorization").
	Scheme string // Scheme prefix (default: "Bearer" when Header is "Authorization").
}

// Client holds the shared state for talking to the vendor service.
type Client struct {
	BaseURL string            // Service base URL (no trailing slash).
	Auth    Auth              // Authentication settings.
	Client  *http.Client      // HTTP client; falls back to a cached default.
	Headers map[string]string // Extra headers applied to every request.

	clientOnce    sync.Once
	defaultClient *http.Client
}

// New creates a Client for the given host. A bare host such as
// "api.vendor.test" is promoted to https. A nil client falls back to a
// default client with a 30 second timeout.
func New(host string, client *http.Client) *Client {
	return &Client{
		BaseURL: BaseURL(host),
		Client:  client,
	}
}

// WithAuth returns a copy of c that authenticates with auth.
func (c *Client) WithAuth(auth Auth) *Client {
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}

	return &Client{
		BaseURL: c.BaseURL,
		Auth:    auth,
		Client:  c.httpClient(),
		Headers: headers,
	}
}

// BaseURL normalizes a configured host into a URL without trailing slash.
// Hosts without a scheme get https.
func BaseURL(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	if !strings.Contains(host, "://") {
		return "https://" + host
	}
	return host
}

// SocketURL converts a configured socket host and path into a WebSocket URL.
// https becomes wss, http becomes ws, a bare host gets wss. URLs that
// already use ws/wss are left unchanged.
func SocketURL(host, path string) string {
	u := strings.TrimRight(strings.TrimSpace(host), "/") + path

	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		return "ws://" + u[len("http://"):]
	case strings.HasPrefix(u, "wss://"), strings.HasPrefix(u, "ws://"):
		return u
	default:
		return "wss://" + u
	}
}

// httpClient returns the configured client or a cached default client.
func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}

	c.clientOnce.Do(func() {
		c.defaultClient = &http.Client{Timeout: 30 * time.Second}
	})

	return c.defaultClient
}

// applyHeaders sets auth and custom headers on h.
func (c *Client) applyHeaders(h http.Header) {
	if c.Auth.Key != "" {
		header := c.Auth.Header
		if header == "" {
			header = "Authorization"
		}

		value := c.Auth.Key
		if header == "Authorization" {
			scheme := c.Auth.Scheme
			if scheme == "" {
				scheme = "Bearer"
			}

			value = scheme + " " + value
		} else if c.Auth.Scheme != "" {
			value = c.Auth.Scheme + " " + value
		}

		h.Set(header, value)
	}

	for k, v := range c.Headers {
		h.Set(k, v)
	}
}

// NewRequest builds an *http.Request with the base URL, auth, and custom
// headers already applied.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	c.applyHeaders(req.Header)

	return req, nil
}

// Do sends the request using the configured HTTP client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient().Do(req) //nolint:gosec // URL is built from trusted host config, not user input.
}

// PostJSON marshals payload as JSON, sends a POST to path, checks for a 2xx
// status, and unmarshals the response body into dest. If dest is nil the
// response body is discarded after the status check.
func (c *Client) PostJSON(ctx context.Context, path string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := c.NewRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.doJSON(req, dest)
}

// GetJSON sends a GET to path, checks for a 2xx status, and unmarshals the
// response body into dest.
func (c *Client) GetJSON(ctx context.Context, path string, dest any) error {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return c.doJSON(req, dest)
}

func (c *Client) doJSON(req *http.Request, dest any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if dest == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// statusText returns the reason phrase of resp, e.g. "Unauthorized".
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// DialWS establishes a WebSocket connection to rawURL with auth and custom
// headers applied. It returns the connection and the handshake response.
func (c *Client) DialWS(ctx context.Context, rawURL string) (*websocket.Conn, *http.Response, error) {
	h := make(http.Header)
	c.applyHeaders(h)

	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: c.httpClient(),
		HTTPHeader: h,
	})
	if err != nil {
		return nil, resp, fmt.Errorf("dial websocket: %w", err)
	}

	return conn, resp, nil
}
