package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

const userAgent = "rustup-mirror"

var retryInterval = 1 * time.Second

// HTTPClient downloads upstream resources with retries.
type HTTPClient struct {
	client    *http.Client
	semaphore chan struct{}
	limiter   *rate.Limiter
	timeout   time.Duration
	mirrorID  string
}

// NewHTTPClient creates a new HTTP client for downloads.
//
// At most maxConns requests are in flight at once.  A positive rps
// limits the request rate and a positive timeout bounds every single
// request including its body.
func NewHTTPClient(maxConns int, mirrorID string, rps float64, timeout time.Duration, tlsConfig *TLSConfig) (*HTTPClient, error) {
	if maxConns < 1 {
		maxConns = 1
	}
	semaphore := make(chan struct{}, maxConns)

	// Pre-fill the semaphore with tokens
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	client, err := clonedTransport(tlsConfig)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &HTTPClient{
		client:    client,
		semaphore: semaphore,
		limiter:   limiter,
		timeout:   timeout,
		mirrorID:  mirrorID,
	}, nil
}

// Fetch downloads base+rel into destDir/rel and returns the local path.
//
// Missing parent directories are created.  The body is streamed into a
// temporary file next to the destination and renamed into place only
// when it is complete, so an interrupted fetch never leaves a partial
// file under the final name.
//
// Failures are reported as *FetchError.  Network errors and 5xx
// responses are retried up to httpRetries times.
func (h *HTTPClient) Fetch(ctx context.Context, base, rel, destDir string) (string, error) {
	local := dist.NormalizePath(rel)
	if local == "" {
		return "", errors.Newf("Fetch: empty path %q", rel)
	}
	dest := filepath.Join(destDir, local)
	url := dist.UpstreamURL(base, rel)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil { // #nosec G301 - mirror trees are served publicly
		return "", errors.Wrap(err, "Fetch")
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-h.semaphore:
	}
	defer func() {
		h.semaphore <- struct{}{}
	}()

	var lastErr error
	for attempt := 0; attempt < httpRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying download", "repo", h.mirrorID, "url", url, "attempt", attempt+1, "max_attempts", httpRetries, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryInterval):
			}
		}

		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return "", errors.Wrap(err, "Fetch")
			}
		}

		err := h.fetchOnce(ctx, url, dest)
		if err == nil {
			return dest, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var fe *FetchError
		if !errors.As(err, &fe) || !fe.retryable() {
			return "", err
		}
		lastErr = err
	}

	return "", errors.Wrapf(lastErr, "download failed after %d attempts", httpRetries)
}

func (h *HTTPClient) fetchOnce(ctx context.Context, url, dest string) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{Kind: TransportFailure, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	// Content-Length must describe the bytes written to disk.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := h.client.Do(req)
	if err != nil {
		return &FetchError{Kind: TransportFailure, URL: url, Err: err}
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return &FetchError{Kind: TransportFailure, URL: url, Status: resp.StatusCode, Err: errors.Newf("unexpected status %s", resp.Status)}
	}
	if resp.ContentLength < 0 {
		return &FetchError{Kind: LengthUnknown, URL: url, Status: resp.StatusCode}
	}

	tempfile, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return errors.Wrap(err, "Fetch")
	}

	digest, n, err := dist.CopyWithDigest(tempfile, &ctxReader{ctx: ctx, r: resp.Body})
	if err != nil {
		closeAndRemoveFile(tempfile)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchError{Kind: TransportFailure, URL: url, Err: err}
	}
	if n != resp.ContentLength {
		closeAndRemoveFile(tempfile)
		return &FetchError{Kind: TransportFailure, URL: url, Err: errors.Newf("truncated body: got %d of %d bytes", n, resp.ContentLength)}
	}

	if err := tempfile.Sync(); err != nil {
		closeAndRemoveFile(tempfile)
		return errors.Wrap(err, "tempfile.Sync failed")
	}
	if err := tempfile.Close(); err != nil {
		removeFile(tempfile.Name())
		return errors.Wrap(err, "tempfile.Close failed")
	}
	if err := os.Chmod(tempfile.Name(), 0644); err != nil { // #nosec G302 - mirror trees are served publicly
		removeFile(tempfile.Name())
		return errors.Wrap(err, "os.Chmod failed")
	}
	if err := os.Rename(tempfile.Name(), dest); err != nil {
		removeFile(tempfile.Name())
		return errors.Wrap(err, "os.Rename failed")
	}

	slog.Debug("file downloaded successfully", "repo", h.mirrorID, "url", url, "size", n, "sha256", digest)
	return nil
}

// ctxReader stops a copy between two chunks once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	removeFile(filename)
}

func removeFile(filename string) {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}

// clonedTransport creates a new HTTP client with optimized transport settings and TLS configuration.
func clonedTransport(tlsConfig *TLSConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	tr.DisableCompression = true

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "TLS config")
		}
		tr.TLSClientConfig = customTLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}, nil
}
