package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/pullbox/backend/internal/errors"
)

const defaultFetchTimeout = 10 * time.Minute

// HTTPFetcher is the generic adapter for plain http(s) URLs: it resolves
// size and filename with a HEAD request and streams the body into the blob
// store.
type HTTPFetcher struct {
	client *http.Client
	store  BlobStore
}

// NewHTTPFetcher creates an HTTP adapter writing into store.
func NewHTTPFetcher(store BlobStore) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: defaultFetchTimeout},
		store:  store,
	}
}

func (f *HTTPFetcher) Name() string {
	return "http"
}

func (f *HTTPFetcher) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ResolveAsset issues a HEAD request for size and filename. Servers that
// reject HEAD are not fatal: the asset resolves with an unknown size and a
// filename derived from the URL path.
func (f *HTTPFetcher) ResolveAsset(ctx context.Context, sourceURL string, meta map[string]any) (*Asset, error) {
	asset := &Asset{
		DownloadURL: sourceURL,
		Filename:    filenameFromURL(sourceURL),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return nil, apperrors.PermanentAdapter(fmt.Sprintf("invalid source url: %v", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, apperrors.Aborted("resolve aborted").WithCause(err)
		}
		if apperrors.IsTransient(err) {
			return nil, apperrors.TransientTransport(fmt.Sprintf("resolve failed: %v", err))
		}
		return nil, apperrors.PermanentAdapter(fmt.Sprintf("resolve failed: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		// HEAD unsupported, stream blind
		return asset, nil
	case resp.StatusCode >= 400:
		return nil, apperrors.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("resolve returned status %d", resp.StatusCode))
	}

	if resp.ContentLength > 0 {
		size := resp.ContentLength
		asset.Size = &size
	}
	if name := filenameFromDisposition(resp.Header.Get("Content-Disposition")); name != "" {
		asset.Filename = SanitizeFilename(name)
	}

	return asset, nil
}

// StreamToStorage downloads the asset body into the blob store under key,
// reporting progress per read chunk. Cancellation surfaces as an abort, not
// a failure.
func (f *HTTPFetcher) StreamToStorage(ctx context.Context, asset *Asset, key string, onProgress ProgressFunc) (*StreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return nil, apperrors.PermanentAdapter(fmt.Sprintf("invalid download url: %v", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyStreamError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apperrors.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	total := asset.Size
	if total == nil && resp.ContentLength > 0 {
		size := resp.ContentLength
		total = &size
	}

	size := int64(-1)
	if total != nil {
		size = *total
	}

	filename := asset.Filename
	if filename == "" {
		filename = key
	}
	storagePath := path.Join("items", key, filename)

	reader := &progressReader{
		r:          resp.Body,
		total:      total,
		onProgress: onProgress,
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	written, err := f.store.Put(ctx, storagePath, reader, size, contentType)
	if err != nil {
		return nil, classifyStreamError(err)
	}

	return &StreamResult{BytesWritten: written, StoragePath: storagePath}, nil
}

func classifyStreamError(err error) error {
	if errors.Is(err, context.Canceled) || apperrors.IsAbort(err) {
		return apperrors.Aborted("download aborted").WithCause(err)
	}
	if apperrors.IsTransient(err) {
		return apperrors.TransientTransport(fmt.Sprintf("download failed: %v", err))
	}
	return apperrors.PermanentAdapter(fmt.Sprintf("download failed: %v", err))
}

// progressReader reports byte deltas as the storage sink consumes the body.
type progressReader struct {
	r          io.Reader
	total      *int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.onProgress != nil {
		p.onProgress(int64(n), p.total)
	}
	return n, err
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return SanitizeFilename(name)
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// SanitizeFilename normalizes a filename to a safe storage key component:
// diacritics stripped, path separators and control characters replaced.
func SanitizeFilename(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, name)
	if err != nil {
		normalized = name
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(normalized))
}
