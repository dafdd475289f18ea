package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salevine/scrape-edu/internal/progress"
)

type recordingWaiter struct {
	mu      sync.Mutex
	domains []string
	err     error
}

func (w *recordingWaiter) Wait(_ context.Context, domain string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.domains = append(w.domains, domain)
	return w.err
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(waiter Waiter, opts ...Option) *Client {
	c := New(Config{Retries: 2}, waiter, opts...)
	c.sleep = noSleep
	return c
}

func TestGet_Success(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	waiter := &recordingWaiter{}
	var events atomic.Int32
	emitter := progress.EmitterFunc(func(evt progress.Event) {
		if evt.Stage == progress.StageFetchDone && evt.StatusClass == progress.Status2xx {
			events.Add(1)
		}
	})
	c := newTestClient(waiter, WithEmitter(emitter, [16]byte{1}))

	resp, err := c.Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>ok</html>", string(resp.Body))
	assert.Equal(t, "text/html", resp.ContentType())
	assert.Equal(t, DefaultUserAgent, gotUA.Load())
	assert.Equal(t, DefaultUserAgent, c.UserAgent())
	assert.Len(t, waiter.domains, 1)
	assert.Equal(t, int32(1), events.Load())
}

func TestGet_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer srv.Close()

	waiter := &recordingWaiter{}
	c := newTestClient(waiter)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(resp.Body))
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, waiter.domains, 1, "retries do not re-enter the limiter")
}

func TestGet_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(nil).Get(context.Background(), srv.URL)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGet_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := newTestClient(nil).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestGet_LimiterErrorStopsRequest(t *testing.T) {
	t.Parallel()

	waiter := &recordingWaiter{err: context.Canceled}
	_, err := newTestClient(waiter).Get(context.Background(), "http://unused.invalid/")
	require.ErrorIs(t, err, context.Canceled)
}

func TestGet_BodyIsCapped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	c := New(Config{MaxBodyBytes: 10}, nil)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 10)
}

func TestDownload_WritesAtomically(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.7 body"))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	c := newTestClient(nil, WithFs(fs))

	n, err := c.Download(context.Background(), srv.URL+"/catalog.pdf", "/out/mit/catalog/catalog.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
	data, err := afero.ReadFile(fs, "/out/mit/catalog/catalog.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(data))

	_, err = c.Download(context.Background(), srv.URL+"/missing.pdf", "/out/mit/catalog/missing.pdf")
	require.Error(t, err)
	exists, err := afero.Exists(fs, "/out/mit/catalog/missing.pdf")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDo_InsecureFallbackOnlyForEdu(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secure-ish"))
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	c := newTestClient(nil)
	c.http.Transport = &http.Transport{DialContext: dial}
	c.insecure.Transport = &http.Transport{
		DialContext:     dial,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test server
	}

	resp, err := c.Get(context.Background(), "https://www.broken.edu/")
	require.NoError(t, err)
	assert.Equal(t, "secure-ish", string(resp.Body))

	_, err = c.Get(context.Background(), "https://www.broken.com/")
	require.Error(t, err)
	assert.True(t, isCertificateError(err))
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	err := &StatusError{URL: "https://mit.edu", StatusCode: http.StatusServiceUnavailable}
	assert.True(t, err.Retryable())
	assert.Contains(t, err.Error(), "503")
	assert.False(t, (&StatusError{StatusCode: http.StatusForbidden}).Retryable())
	assert.False(t, IsNotFound(errors.New("plain")))
}
