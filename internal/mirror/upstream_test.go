package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

func init() {
	retryInterval = 10 * time.Millisecond
}

// upstreamServer is a mock distribution server.
type upstreamServer struct {
	server *httptest.Server

	mu        sync.Mutex
	files     map[string][]byte
	status    map[string]int
	failFirst map[string]int
	chunked   map[string]bool
	truncated map[string]bool
	hits      map[string]int
}

func newUpstreamServer(t *testing.T) *upstreamServer {
	t.Helper()

	u := &upstreamServer{
		files:     make(map[string][]byte),
		status:    make(map[string]int),
		failFirst: make(map[string]int),
		chunked:   make(map[string]bool),
		truncated: make(map[string]bool),
		hits:      make(map[string]int),
	}
	u.server = httptest.NewServer(http.HandlerFunc(u.handleRequest))
	t.Cleanup(u.server.Close)
	return u
}

// URL returns the base URL with a trailing slash.
func (u *upstreamServer) URL() string {
	return u.server.URL + "/"
}

func (u *upstreamServer) add(p string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files[p] = data
}

// addWithRecord serves data at p and its digest at p.sha256.
func (u *upstreamServer) addWithRecord(p string, data []byte) {
	u.add(p, data)
	u.add(dist.HashRecordPath(p), []byte(sha256Hex(data)+"  "+filepath.Base(p)+"\n"))
}

func (u *upstreamServer) setStatus(p string, code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status[p] = code
}

func (u *upstreamServer) setFailFirst(p string, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failFirst[p] = n
}

func (u *upstreamServer) setChunked(p string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chunked[p] = true
}

func (u *upstreamServer) setTruncated(p string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.truncated[p] = true
}

func (u *upstreamServer) hitCount(p string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[p]
}

// totalHits counts requests for paths accepted by match.
func (u *upstreamServer) totalHits(match func(string) bool) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	var n int
	for p, c := range u.hits {
		if match(p) {
			n += c
		}
	}
	return n
}

func (u *upstreamServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(path.Clean(r.URL.Path), "/")

	u.mu.Lock()
	u.hits[p]++
	hits := u.hits[p]
	data, ok := u.files[p]
	status := u.status[p]
	failFirst := u.failFirst[p]
	chunked := u.chunked[p]
	truncated := u.truncated[p]
	u.mu.Unlock()

	switch {
	case status != 0:
		http.Error(w, http.StatusText(status), status)
		return
	case hits <= failFirst:
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	case !ok:
		http.NotFound(w, r)
		return
	}

	if chunked {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(data)
		return
	}
	if truncated {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)+100))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeFetcher serves fixed contents without any network.
type fakeFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, base, rel, destDir string) (string, error) {
	f.mu.Lock()
	f.calls++
	data, ok := f.content[rel]
	f.mu.Unlock()

	if !ok {
		return "", &FetchError{Kind: TransportFailure, URL: base + rel, Status: http.StatusNotFound}
	}
	dest := filepath.Join(destDir, dist.NormalizePath(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", err
	}
	return dest, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeTestFile(t *testing.T, p string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func readTestFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
