package domain

import (
	"context"
	"io"
)

// BlobInfo describes a stored blob's attributes.
type BlobInfo struct {
	Name string
	Size int64
}

// BlobStore is the remote content store credentials are escrowed to.
// Locators are the store's own opaque fragments; the escrow layer wraps
// them into tokens and never interprets them.
type BlobStore interface {
	// Upload streams size bytes under the given name and returns the
	// store's locator for the new blob.
	Upload(ctx context.Context, name string, size int64, r io.Reader) (string, error)

	// Stat fetches a blob's attributes.
	Stat(ctx context.Context, locator string) (BlobInfo, error)

	// Download streams a blob's content. The caller must close the
	// returned reader.
	Download(ctx context.Context, locator string) (io.ReadCloser, error)
}
