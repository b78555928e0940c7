// Package backend talks to the FinSight financial-analysis API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when the backend does not know a query id.
var ErrNotFound = errors.New("query not found")

// TransportError is a network failure or a non-2xx response.
type TransportError struct {
	URL        string
	StatusCode int // 0 for network errors
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	msg := fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another endpoint might serve the request.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

type Config struct {
	BaseURL       string
	FallbackURL   string
	TestStatusURL string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *log.Logger
}

// Client is a backend API client. Requests go to the active endpoint; when
// that fails with a retryable error the request is retried once against the
// other endpoint, which then becomes active.
type Client struct {
	endpoints  []string
	statusURL  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *log.Logger

	mu     sync.Mutex
	active int
}

// New creates a backend client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	endpoints := []string{strings.TrimSuffix(cfg.BaseURL, "/")}
	if fb := strings.TrimSuffix(strings.TrimSpace(cfg.FallbackURL), "/"); fb != "" && fb != endpoints[0] {
		endpoints = append(endpoints, fb)
	}
	statusURL := strings.TrimSuffix(cfg.TestStatusURL, "/")
	if statusURL == "" {
		statusURL = endpoints[0]
	}

	return &Client{
		endpoints:  endpoints,
		statusURL:  statusURL,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Active returns the base URL currently preferred for requests.
func (c *Client) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.active]
}

// order returns endpoint indexes, active first.
func (c *Client) order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []int{c.active}
	for i := range c.endpoints {
		if i != c.active {
			out = append(out, i)
		}
	}
	return out
}

func (c *Client) setActive(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != i {
		c.logger.Printf("backend: switching active endpoint %s -> %s", c.endpoints[c.active], c.endpoints[i])
		c.active = i
	}
}

// send issues a request with fallback. The caller owns the response body.
func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var lastErr error
	for _, i := range c.order() {
		resp, err := c.attempt(ctx, method, c.endpoints[i]+path, payload)
		if err == nil {
			c.setActive(i)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var te *TransportError
		if !errors.As(err, &te) || !te.Retryable() {
			return nil, err
		}
		c.logger.Printf("backend: %v", err)
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Body:       errorMessage(respBody),
		}
	}
	return resp, nil
}

// doJSON sends a JSON request bounded by the client timeout and decodes the
// response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorMessage extracts a readable message from an error response body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		for _, s := range []string{parsed.Error, parsed.Message, parsed.Detail} {
			if s != "" {
				return s
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "<") {
		return "server returned an HTML error page"
	}
	return text
}

func userQuery(userName string) string {
	return "?user_name=" + url.QueryEscape(userName)
}
