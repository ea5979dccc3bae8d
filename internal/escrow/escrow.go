// Package escrow serializes a tenant's secret bundle to the remote blob
// store and can later rehydrate it from nothing but the opaque token
// persisted in the session registry.
package escrow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sroej/mini/internal/domain"
	apperrors "github.com/sroej/mini/internal/errors"
	"github.com/sroej/mini/internal/metrics"
	"github.com/sroej/mini/internal/retry"
)

// TokenPrefix is the fixed literal every escrow token starts with. The
// rest of the token is the blob store's own locator fragment.
const TokenPrefix = "SESSION-ID~"

// BundleFileName is the file the secret bundle is written to on download.
const BundleFileName = "creds.json"

const (
	downloadAttempts    = 3
	downloadBackoffStep = 2 * time.Second
)

type Escrow struct {
	store domain.BlobStore
	clock clockwork.Clock
}

func New(store domain.BlobStore, clock clockwork.Clock) *Escrow {
	return &Escrow{store: store, clock: clock}
}

// Upload reads the serialized secret bundle at bundlePath, uploads it to
// the blob store under a random name, and returns the escrow token. It
// only reads local disk, never writes.
func (e *Escrow) Upload(ctx context.Context, bundlePath string) (string, error) {
	timer := e.clock.Now()

	info, err := os.Stat(bundlePath)
	if err != nil {
		return "", apperrors.Escrow(fmt.Sprintf("bundle not found: %s", bundlePath), err)
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return "", apperrors.Escrow("failed to open bundle", err)
	}
	defer func() { _ = f.Close() }()

	name := uuid.NewString() + ".json"
	locator, err := e.store.Upload(ctx, name, info.Size(), f)
	metrics.EscrowOpDuration.WithLabelValues("upload").Observe(e.clock.Since(timer).Seconds())
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("upload", "error").Inc()
		return "", apperrors.Escrow("failed to upload bundle", err)
	}

	metrics.EscrowOpsTotal.WithLabelValues("upload", "success").Inc()
	return TokenPrefix + locator, nil
}

// Download validates the token, fetches the blob it locates, and writes
// its content to destDir/creds.json, returning that path. A malformed
// token fails fast without any network call. Transient fetch failures
// are retried up to 3 times with linearly increasing backoff.
func (e *Escrow) Download(ctx context.Context, token, destDir string) (string, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", apperrors.InvalidInput("invalid escrow token format")
	}
	locator := strings.TrimPrefix(token, TokenPrefix)

	timer := e.clock.Now()
	policy := retry.Policy{
		MaxAttempts: downloadAttempts,
		Backoff:     retry.Linear(downloadBackoffStep),
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.EscrowOpsTotal.WithLabelValues("download", "retry").Inc()
		},
	}

	path, err := retry.Do(ctx, e.clock, policy, func() (string, error) {
		return e.fetch(ctx, locator, destDir)
	})
	metrics.EscrowOpDuration.WithLabelValues("download").Observe(e.clock.Since(timer).Seconds())
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("download", "error").Inc()
		return "", apperrors.Escrow("failed to download bundle", err)
	}

	metrics.EscrowOpsTotal.WithLabelValues("download", "success").Inc()
	return path, nil
}

// fetch is one whole download attempt: attributes, content stream, file.
func (e *Escrow) fetch(ctx context.Context, locator, destDir string) (string, error) {
	if _, err := e.store.Stat(ctx, locator); err != nil {
		return "", fmt.Errorf("failed to load blob attributes: %w", err)
	}

	body, err := e.store.Download(ctx, locator)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bundle dir: %w", err)
	}

	path := filepath.Join(destDir, BundleFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create bundle file: %w", err)
	}

	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write bundle file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	return path, nil
}
