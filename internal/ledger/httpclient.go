// internal/ledger/httpclient.go
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"poolguarantee/internal/common/config"
	"poolguarantee/internal/common/logger"
)

// RetryConfig defines retry behavior for transient transport failures.
// Business resolutions (reverted, timed out) are never retried here.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig provides sensible defaults for gateway calls.
var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
}

// HTTPClient is the production Client. It speaks JSON to the ledger gateway:
// POST /operations submits, GET /operations/{id} polls until the gateway
// reports a terminal status or the await window elapses.
type HTTPClient struct {
	endpoint     string
	network      string
	httpClient   *http.Client
	awaitTimeout time.Duration
	pollInterval time.Duration
	retry        *RetryConfig
	log          logger.Logger
}

func NewHTTPClient(cfg config.LedgerConfig, log logger.Logger) *HTTPClient {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		network:  cfg.Network,
		httpClient: &http.Client{
			Timeout: config.GetDuration(cfg.RequestTimeout),
		},
		awaitTimeout: config.GetDuration(cfg.AwaitTimeout),
		pollInterval: config.GetDuration(cfg.PollInterval),
		retry: &RetryConfig{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  DefaultRetryConfig.BaseDelay,
			MaxDelay:   DefaultRetryConfig.MaxDelay,
		},
		log: log,
	}
}

type submitRequest struct {
	OperationID string    `json:"operationId"`
	Network     string    `json:"network"`
	Operation   Operation `json:"operation"`
}

type submitResponse struct {
	OperationID string `json:"operationId"`
	TxHash      string `json:"txHash"`
}

type statusResponse struct {
	Status string    `json:"status"`
	TxHash string    `json:"txHash"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Submit posts the operation to the gateway. The client generates the
// operation id, so a transport retry of the same submission is idempotent on
// the gateway side.
func (c *HTTPClient) Submit(ctx context.Context, op Operation) (*Handle, error) {
	body, err := json.Marshal(submitRequest{
		OperationID: uuid.NewString(),
		Network:     c.network,
		Operation:   op,
	})
	if err != nil {
		return nil, fmt.Errorf("encode ledger operation: %w", err)
	}

	var resp submitResponse
	err = c.doWithRetry(ctx, "submit "+string(op.Kind), func(ctx context.Context) error {
		return c.postJSON(ctx, c.endpoint+"/operations", body, &resp)
	})
	if err != nil {
		return nil, err
	}

	return &Handle{
		OperationID: resp.OperationID,
		TxHash:      resp.TxHash,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Await polls the gateway until the operation resolves. When the await
// window elapses without a terminal answer, the resolution is StatusTimedOut
// rather than an error: the operation may still confirm later.
func (c *HTTPClient) Await(ctx context.Context, h *Handle) (*Resolution, error) {
	deadline := time.Now().Add(c.awaitTimeout)

	for {
		var resp statusResponse
		err := c.doWithRetry(ctx, "poll operation", func(ctx context.Context) error {
			return c.getJSON(ctx, c.endpoint+"/operations/"+h.OperationID, &resp)
		})
		if err != nil {
			return nil, err
		}

		switch resp.Status {
		case "confirmed":
			return &Resolution{Status: StatusConfirmed, TxHash: resp.TxHash, ResolvedAt: resp.At}, nil
		case "reverted":
			return &Resolution{Status: StatusReverted, TxHash: resp.TxHash, Reason: resp.Reason, ResolvedAt: resp.At}, nil
		}

		if time.Now().After(deadline) {
			return &Resolution{Status: StatusTimedOut, ResolvedAt: time.Now().UTC()}, nil
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.decode(req, out)
}

func (c *HTTPClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.decode(req, out)
}

func (c *HTTPClient) decode(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ledger gateway unavailable: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger gateway rejected request: status %d: %s", resp.StatusCode, string(raw))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// doWithRetry executes fn with exponential backoff. Only transient transport
// errors are retried.
func (c *HTTPClient) doWithRetry(ctx context.Context, operationName string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableTransportError(err) || attempt == c.retry.MaxRetries {
			return fmt.Errorf("ledger %s failed: %w", operationName, err)
		}

		delay := c.retry.BaseDelay * time.Duration(1<<attempt)
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}

		c.log.Warn("retrying ledger gateway call", map[string]interface{}{
			"operation": operationName,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
			"error":     err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("ledger %s cancelled after %d attempts: %w", operationName, attempt, ctx.Err())
		}
	}

	return fmt.Errorf("ledger %s failed after %d retries: %w", operationName, c.retry.MaxRetries, lastErr)
}

// isRetryableTransportError checks if the error is transient and should be
// retried.
func isRetryableTransportError(err error) bool {
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
