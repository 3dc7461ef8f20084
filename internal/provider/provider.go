// Package provider defines the pluggable adapter capability the download
// engine calls to resolve and stream one provider's assets.
package provider

import (
	"context"
	"io"
)

// Asset describes a resolved, downloadable asset.
type Asset struct {
	DownloadURL string
	Filename    string
	// Size is nil when the provider cannot report a total up front.
	Size *int64
}

// StreamResult reports the outcome of streaming an asset into storage.
type StreamResult struct {
	BytesWritten int64
	StoragePath  string
}

// ProgressFunc receives incremental byte deltas while streaming. totalBytes
// is non-nil once the total becomes known.
type ProgressFunc func(deltaBytes int64, totalBytes *int64)

// Adapter resolves a source URL into an asset and streams its bytes into
// storage. Streaming must honor context cancellation promptly and report
// progress incrementally, not only once at the end.
type Adapter interface {
	// Name identifies the adapter, e.g. "http".
	Name() string

	// CanHandle reports whether this adapter accepts the URL. It must not
	// panic; the registry treats a panicking CanHandle as false.
	CanHandle(url string) bool

	ResolveAsset(ctx context.Context, sourceURL string, meta map[string]any) (*Asset, error)

	StreamToStorage(ctx context.Context, asset *Asset, key string, onProgress ProgressFunc) (*StreamResult, error)
}

// BlobStore is the storage sink adapters stream downloaded bytes into.
type BlobStore interface {
	// Put writes the object and returns the number of bytes stored. size may
	// be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
}
