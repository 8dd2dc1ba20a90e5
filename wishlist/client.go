package wishlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -destination=mock_remote_test.go -package=wishlist . Remote

const (
	defaultRequestTimeout = 15 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024

	// breakerMinRequests is the number of calls in a window before the
	// failure ratio can open the circuit.
	breakerMinRequests = 5
	breakerFailRatio   = 0.6
	breakerOpenFor     = 30 * time.Second
	breakerWindow      = 60 * time.Second
)

// Remote is the authoritative wishlist service. Tokens are passed per
// call so one client can serve whichever user is signed in.
type Remote interface {
	List(ctx context.Context, token string) ([]Item, error)
	Add(ctx context.Context, token string, item Item) (*MutationResponse, error)
	Remove(ctx context.Context, token, productID string) (*MutationResponse, error)
	Batch(ctx context.Context, token string, ops []BatchOperation) ([]Item, error)
}

// ClientConfig holds the parameters for talking to the wishlist service.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	DeviceID   string

	// OnUnauthorized runs whenever the service answers 401. It is the
	// shared session interceptor: callers clear the token and send the
	// user back to sign in.
	OnUnauthorized func()
}

// Client talks to the wishlist REST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	deviceID       string
	onUnauthorized func()
	breaker        *gobreaker.CircuitBreaker[[]byte]
	lists          singleflight.Group
	logger         *slog.Logger
}

// NewClient creates an API client. If cfg.HTTPClient is nil a client
// with a 15 second timeout is used.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	c := &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		deviceID:       cfg.DeviceID,
		onUnauthorized: cfg.OnUnauthorized,
		logger:         logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:     "wishlist-api",
		Interval: breakerWindow,
		Timeout:  breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailRatio
		},
		// Rejections and expired sessions say nothing about the health
		// of the service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRemoteRejected) || errors.Is(err, ErrSessionExpired)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return c
}

// do sends a request and decodes a 2xx JSON body into result.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	respBody, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, endpoint, token, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: %w: %w", method, endpoint, ErrUnreachable, err)
		}
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint, token string, payload io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sending request to %s: %w", endpoint, ctx.Err())
		}
		return nil, fmt.Errorf("sending request to %s: %w: %w", endpoint, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := newAPIError(endpoint, resp.StatusCode, errorMessage(raw, resp.Status))
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.logger.Warn("session rejected by wishlist service", slog.String("endpoint", endpoint))
			c.onUnauthorized()
		}
		return nil, apiErr
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w: %w", endpoint, ErrUnreachable, err)
	}
	return respBody, nil
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte, fallback string) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "message").String(); msg != "" {
			return msg
		}
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return msg
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}

// List returns the authoritative wishlist. Concurrent calls for the same
// token share one request, which outlives any single caller's context.
func (c *Client) List(ctx context.Context, token string) ([]Item, error) {
	ch := c.lists.DoChan(token, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout())
		defer cancel()

		var resp ListResponse
		if err := c.do(sctx, http.MethodGet, "/wishlist", token, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Wishlist == nil {
			resp.Wishlist = []Item{}
		}
		return resp.Wishlist, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("listing wishlist: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("listing wishlist: %w", r.Err)
		}
		return slices.Clone(r.Val.([]Item)), nil
	}
}

func (c *Client) requestTimeout() time.Duration {
	if c.httpClient.Timeout > 0 {
		return c.httpClient.Timeout
	}
	return defaultRequestTimeout
}

// Add adds a product to the wishlist. Adding a present product succeeds.
func (c *Client) Add(ctx context.Context, token string, item Item) (*MutationResponse, error) {
	var resp MutationResponse
	endpoint := "/wishlist/add/" + url.PathEscape(item.ProductID)
	if err := c.do(ctx, http.MethodPost, endpoint, token, item, &resp); err != nil {
		return nil, fmt.Errorf("adding %s: %w", item.ProductID, err)
	}
	return &resp, nil
}

// Remove removes a product. Removing an absent product succeeds.
func (c *Client) Remove(ctx context.Context, token, productID string) (*MutationResponse, error) {
	var resp MutationResponse
	endpoint := "/wishlist/remove/" + url.PathEscape(productID)
	if err := c.do(ctx, http.MethodDelete, endpoint, token, nil, &resp); err != nil {
		return nil, fmt.Errorf("removing %s: %w", productID, err)
	}
	return &resp, nil
}

// Batch submits ops in order in one request and returns the resulting
// wishlist.
func (c *Client) Batch(ctx context.Context, token string, ops []BatchOperation) ([]Item, error) {
	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, "/wishlist/batch", token, BatchRequest{Operations: ops}, &resp); err != nil {
		return nil, fmt.Errorf("submitting batch of %d: %w", len(ops), err)
	}
	if resp.Wishlist == nil {
		resp.Wishlist = []Item{}
	}
	return resp.Wishlist, nil
}

// Ping checks that the service answers its health endpoint. It bypasses
// the circuit breaker so a probe can notice recovery while it is open.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, http.MethodGet, "/healthz", "", nil)
	return err
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
