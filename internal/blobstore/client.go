// Package blobstore implements the remote content store the escrow
// subsystem uploads credential bundles to. The client speaks a plain
// HTTP content API (upload, attributes, download) and guards every call
// with a circuit breaker so a dead store fails fast instead of tying up
// tenant workers.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/metrics"
)

// ErrNotConfigured is returned by Upload when no account credentials
// were supplied via process configuration.
var ErrNotConfigured = errors.New("blob store credentials not configured")

const requestTimeout = 30 * time.Second

type Client struct {
	baseURL string
	user    string
	pass    string
	http    *http.Client
	cb      circuitbreaker.CircuitBreaker[any]
}

var _ domain.BlobStore = (*Client)(nil)

// NewClient creates a blob store client. user and pass may be empty for
// a download-only client; Upload then fails with ErrNotConfigured.
//
// Circuit breaker settings: 60% failure rate over min 5 requests in a
// 10s rolling window opens the breaker; 30s delay before half-open; one
// success closes it again.
func NewClient(baseURL, user, pass string) *Client {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "blobstore",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("blobstore", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("blobstore").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		pass:    pass,
		http:    &http.Client{Timeout: requestTimeout},
		cb:      cb,
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Upload streams size bytes under name and returns the store's locator.
func (c *Client) Upload(ctx context.Context, name string, size int64, r io.Reader) (string, error) {
	if c.user == "" || c.pass == "" {
		return "", ErrNotConfigured
	}
	if !c.cb.TryAcquirePermit() {
		return "", fmt.Errorf("blob store upload rejected: %w", circuitbreaker.ErrOpen)
	}

	u := fmt.Sprintf("%s/files?name=%s", c.baseURL, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		c.cb.RecordError(err)
		return "", fmt.Errorf("blob store upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("blob store upload failed: status %d", resp.StatusCode)
		c.cb.RecordError(err)
		return "", err
	}

	var out struct {
		Locator string `json:"locator"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.cb.RecordError(err)
		return "", fmt.Errorf("blob store upload: malformed response: %w", err)
	}
	if out.Locator == "" {
		err := errors.New("blob store upload: empty locator in response")
		c.cb.RecordError(err)
		return "", err
	}

	c.cb.RecordSuccess()
	return out.Locator, nil
}

// Stat fetches a blob's attributes.
func (c *Client) Stat(ctx context.Context, locator string) (domain.BlobInfo, error) {
	if !c.cb.TryAcquirePermit() {
		return domain.BlobInfo{}, fmt.Errorf("blob store stat rejected: %w", circuitbreaker.ErrOpen)
	}

	u := fmt.Sprintf("%s/files/%s/attributes", c.baseURL, url.PathEscape(locator))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.BlobInfo{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.cb.RecordError(err)
		return domain.BlobInfo{}, fmt.Errorf("blob store stat failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("blob store stat failed: status %d", resp.StatusCode)
		c.cb.RecordError(err)
		return domain.BlobInfo{}, err
	}

	var info domain.BlobInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		c.cb.RecordError(err)
		return domain.BlobInfo{}, fmt.Errorf("blob store stat: malformed response: %w", err)
	}

	c.cb.RecordSuccess()
	return info, nil
}

// Download streams a blob's content; the caller closes the reader.
func (c *Client) Download(ctx context.Context, locator string) (io.ReadCloser, error) {
	if !c.cb.TryAcquirePermit() {
		return nil, fmt.Errorf("blob store download rejected: %w", circuitbreaker.ErrOpen)
	}

	u := fmt.Sprintf("%s/files/%s/content", c.baseURL, url.PathEscape(locator))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.cb.RecordError(err)
		return nil, fmt.Errorf("blob store download failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		err := fmt.Errorf("blob store download failed: status %d", resp.StatusCode)
		c.cb.RecordError(err)
		return nil, err
	}

	c.cb.RecordSuccess()
	return resp.Body, nil
}
