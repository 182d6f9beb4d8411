package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPConfig holds the execution service endpoint settings.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
}

// HTTPClient talks JSON over HTTP to the execution service.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates a client with a bounded per-request timeout.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execution service: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("execution service %s status %d: %s", path, res.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Place submits one child order.
func (c *HTTPClient) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	var out PlaceResult
	err := c.post(ctx, "/api/orders/place", req, &out)
	return out, err
}

// Close closes an open order and returns the realized settlement.
func (c *HTTPClient) Close(ctx context.Context, req CloseRequest) (CloseResult, error) {
	var out CloseResult
	err := c.post(ctx, "/api/orders/close", req, &out)
	return out, err
}

// CancelPending cancels a resting order.
func (c *HTTPClient) CancelPending(ctx context.Context, req CancelRequest) error {
	return c.post(ctx, "/api/orders/cancel", req, nil)
}

// AddStopLoss attaches a stop-loss level to an order.
func (c *HTTPClient) AddStopLoss(ctx context.Context, req ProtectionRequest) error {
	return c.post(ctx, "/api/orders/stop-loss/add", req, nil)
}

// AddTakeProfit attaches a take-profit level to an order.
func (c *HTTPClient) AddTakeProfit(ctx context.Context, req ProtectionRequest) error {
	return c.post(ctx, "/api/orders/take-profit/add", req, nil)
}

// CancelStopLoss removes an order's stop-loss level.
func (c *HTTPClient) CancelStopLoss(ctx context.Context, req ProtectionRequest) error {
	return c.post(ctx, "/api/orders/stop-loss/cancel", req, nil)
}

// CancelTakeProfit removes an order's take-profit level.
func (c *HTTPClient) CancelTakeProfit(ctx context.Context, req ProtectionRequest) error {
	return c.post(ctx, "/api/orders/take-profit/cancel", req, nil)
}
