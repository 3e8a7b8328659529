package httpapi

import (
	"context"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsink/ingest"
	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/storage"
)

const message = "From: sender@example.com\r\nTo: alice@example.com\r\nSubject: Drop\r\n\r\nvia http\r\n"

type stubPool struct {
	err  error
	envs []model.Envelope
}

func (p *stubPool) Submit(_ context.Context, env model.Envelope) (ingest.Result, error) {
	p.envs = append(p.envs, env)
	if p.err != nil {
		return ingest.Result{}, p.err
	}
	return ingest.Result{Source: env.Source, Folders: []string{"/out/alice"}}, nil
}

func post(t *testing.T, h http.Handler, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_StoresMessage(t *testing.T) {
	root := t.TempDir()
	driver := ingest.NewDriver(ingest.Options{OutputRoot: root}, storage.New(storage.Options{}, nil), nil)
	pool := ingest.NewPool(driver, 1, nil)
	defer pool.Close()

	h := NewRouter(Options{}, pool, nil, nil)
	rec := post(t, h, message, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp jsonResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.True(t, strings.HasPrefix(resp.Result.Source, SourcePrefix))
	assert.Equal(t, []string{filepath.Join(root, "alice")}, resp.Result.Folders)

	matches, err := filepath.Glob(filepath.Join(root, "alice", "Drop_*.txt"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSubmit_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusAccepted},
		{"bad address", &model.AddressParseError{Value: "x"}, http.StatusBadRequest},
		{"io failure", &storage.IOError{Op: "mkdir", Path: "/x", Err: fs.ErrPermission}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(Options{}, &stubPool{err: tt.err}, nil, nil)
			rec := post(t, h, message, "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestSubmit_Token(t *testing.T) {
	pool := &stubPool{}
	h := NewRouter(Options{Token: "secret"}, pool, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, post(t, h, message, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, message, "wrong").Code)
	assert.Equal(t, http.StatusAccepted, post(t, h, message, "secret").Code)
	assert.Len(t, pool.envs, 1)
}

func TestSubmit_BodyTooLarge(t *testing.T) {
	pool := &stubPool{}
	h := NewRouter(Options{MaxBodyBytes: 16}, pool, nil, nil)

	rec := post(t, h, message, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, pool.envs)
}

func TestSubmit_RateLimited(t *testing.T) {
	limiter := NewLimiter(0.001, 2)
	defer limiter.Stop()
	h := NewRouter(Options{}, &stubPool{}, limiter, nil)

	assert.Equal(t, http.StatusAccepted, post(t, h, message, "").Code)
	assert.Equal(t, http.StatusAccepted, post(t, h, message, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, message, "").Code)
}

func TestHealthz(t *testing.T) {
	h := NewRouter(Options{Token: "secret"}, &stubPool{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLimiter_Evict(t *testing.T) {
	l := NewLimiter(1, 1)
	defer l.Stop()

	l.Allow("10.0.0.1")
	l.evict(time.Now().Add(visitorTTL + time.Second))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.visitors)
}

func TestServer_ShutdownStopsServe(t *testing.T) {
	srv := NewServer(Options{Addr: "127.0.0.1:0", RateLimit: 5, Burst: 5}, &stubPool{}, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
