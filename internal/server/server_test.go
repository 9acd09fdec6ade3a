package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acsm-bridge/internal/adept"
	"acsm-bridge/internal/adept/adepttest"
	"acsm-bridge/internal/config"
)

type testEnv struct {
	srv     *Server
	fake    *adepttest.FakeRunner
	workDir string
	logs    *bytes.Buffer
}

// newTestEnv builds a Server backed by a FakeRunner whose download tool
// writes "EPUB:<voucher>" and whose DRM tool prefixes "DRMFREE:".
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	app := config.Config{
		Addr:              ":0",
		Env:               "development",
		Version:           "test",
		Commit:            "abc123",
		ActivationDir:     filepath.Join(t.TempDir(), "adept"),
		WorkDir:           t.TempDir(),
		ActivateTool:      "adept_activate",
		DownloadTool:      "/usr/local/bin/acsmdownloader",
		RemoveTool:        "adept_remove",
		ActivationTimeout: time.Minute,
		ToolTimeout:       5 * time.Second,
		MaxUploadBytes:    1 << 20,
		MaxConcurrentJobs: 2,
		RateWindow:        time.Minute,
		ShutdownTimeout:   time.Second,
	}
	require.NoError(t, os.MkdirAll(app.ActivationDir, 0o700))

	fake := adepttest.NewFakeRunner()
	fake.Handle("acsmdownloader", fakeDownload)
	fake.Handle("adept_remove", fakeRemove)

	tools := &adept.Toolchain{
		Runner:        fake,
		ActivateTool:  app.ActivateTool,
		DownloadTool:  app.DownloadTool,
		RemoveTool:    app.RemoveTool,
		ActivationDir: app.ActivationDir,
		Timeout:       app.ToolTimeout,
	}

	logs := &bytes.Buffer{}
	cfg := Config{
		App:       app,
		Tools:     tools,
		Activator: adept.NewActivator(tools, app.ActivationTimeout, nil),
		Logger:    NewLogger(config.LogConfig{Level: "debug", Format: "json"}, &syncWriter{w: logs}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Tools.Timeout = cfg.App.ToolTimeout

	return &testEnv{srv: New(cfg), fake: fake, workDir: cfg.App.WorkDir, logs: logs}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

// leftoverWorkDirs lists per-request directories still present.
func (e *testEnv) leftoverWorkDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.workDir)
	require.NoError(t, err)

	var dirs []string
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), workDirPrefix) {
			dirs = append(dirs, ent.Name())
		}
	}
	return dirs
}

func fakeDownload(ctx context.Context, args []string) (adept.Result, error) {
	voucher, err := os.ReadFile(args[len(args)-1])
	if err != nil {
		return adept.Result{ExitCode: 1, Stdout: []byte("cannot read voucher")}, nil
	}
	out := adepttest.ArgAfter(args, "-o")
	return adept.Result{}, os.WriteFile(out, append([]byte("EPUB:"), voucher...), 0o600)
}

func fakeRemove(ctx context.Context, args []string) (adept.Result, error) {
	book := args[len(args)-1]
	data, err := os.ReadFile(book)
	if err != nil {
		return adept.Result{ExitCode: 1}, nil
	}
	return adept.Result{}, os.WriteFile(book, append([]byte("DRMFREE:"), data...), 0o600)
}

func voucherRequest(t *testing.T, voucher []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file_upload", "URLLink.acsm")
	require.NoError(t, err)
	_, err = part.Write(voucher)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/dl", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// syncWriter serialises writes from concurrent handlers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type recordingAudit struct {
	mu      sync.Mutex
	records []Fulfilment
	pingErr error
}

func (a *recordingAudit) Record(ctx context.Context, f Fulfilment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, f)
	return nil
}

func (a *recordingAudit) Ping(ctx context.Context) error { return a.pingErr }

func (a *recordingAudit) all() []Fulfilment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Fulfilment(nil), a.records...)
}

type memArchive struct {
	mu       sync.Mutex
	objects  map[string][]byte
	storeErr error
}

func newMemArchive() *memArchive {
	return &memArchive{objects: make(map[string][]byte)}
}

func (m *memArchive) Store(ctx context.Context, key string, voucher []byte) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), voucher...)
	return nil
}

func (m *memArchive) Ping(ctx context.Context) error { return m.storeErr }

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestIndex_ServesUploadForm(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, `action="/dl"`)
	assert.Contains(t, body, `enctype="multipart/form-data"`)
	assert.Contains(t, body, `type="file"`)
	assert.Empty(t, env.fake.Calls(""), "GET / must not run any tool")
}

func TestIndex_IgnoresQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	b := env.do(httptest.NewRequest(http.MethodGet, "/?foo=bar", nil))

	assert.Equal(t, a.Body.String(), b.Body.String())
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/dl", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rr.Header().Get("Content-Security-Policy"), "form-action 'self'")
}

func TestRequestID_EchoedAndLogged(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := env.do(req)

	assert.Equal(t, "req-123", rr.Header().Get("X-Request-Id"))
	assert.Contains(t, env.logs.String(), `"rid":"req-123"`)
	assert.Contains(t, env.logs.String(), `"route":"/"`)
}

func TestRequestID_GeneratedWhenMissingOrOversized(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rr.Header().Get("X-Request-Id"), 36)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	rr = env.do(req)
	assert.Len(t, rr.Header().Get("X-Request-Id"), 36)
}

func TestRateLimit_RejectsBurst(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.App.RateLimit = 1
	})

	first := env.do(voucherRequest(t, []byte("<fulfillmentToken/>")))
	second := env.do(voucherRequest(t, []byte("<fulfillmentToken/>")))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))

	// The form is not rate limited.
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestMetrics_Exposed(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusOK, env.do(voucherRequest(t, []byte("voucher"))).Code)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `acsm_build_info{version="test"} 1`)
	assert.Contains(t, body, `acsm_fulfilments_total{outcome="succeeded"`)
	assert.Contains(t, body, `tool="acsmdownloader"`)
	assert.Contains(t, body, `route="/dl"`)
}

func TestServe_ShutdownStopsServer(t *testing.T) {
	env := newTestEnv(t, nil)

	ln, err := newLocalListener()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- env.srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))
	assert.True(t, errors.Is(<-errc, http.ErrServerClosed))
}

func TestNew_DefaultsLogger(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Logger = nil })
	assert.Equal(t, slog.Default(), env.srv.logger)
}
