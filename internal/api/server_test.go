package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitorhq/servitor/internal/audit"
	"github.com/servitorhq/servitor/internal/auth"
	"github.com/servitorhq/servitor/pkg/config"
	"github.com/servitorhq/servitor/pkg/health"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/metrics"
	"github.com/servitorhq/servitor/pkg/service"
)

const adminPassword = "correct horse battery"

type journalDatabase struct {
	rows    []map[string]interface{}
	execErr error
}

func (j *journalDatabase) Connect(ctx context.Context) error { return nil }
func (j *journalDatabase) Close(ctx context.Context) error   { return nil }
func (j *journalDatabase) Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error) {
	return j.rows, nil
}
func (j *journalDatabase) Execute(ctx context.Context, stmt string, args ...interface{}) error {
	return j.execErr
}

type brokenDatabase struct{ journalDatabase }

func (b *brokenDatabase) Connect(ctx context.Context) error { return errors.New("conn refused") }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:       logging.ErrorLevel,
		Output:      io.Discard,
		ServiceName: "servitor",
		Environment: "test",
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Service: config.ServiceConfig{
			Name:     "api",
			Port:     0,
			LogLevel: "info",
		},
		Auth: config.AuthConfig{
			JWTSecret:   "test-secret",
			TokenExpiry: 3600,
			AdminUser:   "admin",
		},
		API: config.APIConfig{
			CORSAllowedOrigins: []string{"http://localhost:3000"},
			RateLimitPerMinute: 1000,
		},
	}
}

type serverFixture struct {
	server   *Server
	registry *service.Registry
	auth     *auth.Authenticator
}

func newTestServer(t *testing.T, journal *audit.Recorder) *serverFixture {
	t.Helper()

	logger := testLogger()
	cfg := testConfig()

	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)
	cfg.Auth.AdminPasswordHash = hash

	registry := service.NewRegistry(logger)
	authenticator := auth.New(cfg.Auth, logger)
	healthRegistry := health.NewRegistry(logger)
	collector := metrics.New(metrics.Config{Namespace: "test"})

	healthRegistry.Register("self", health.ServiceChecker("self", func(ctx context.Context) error {
		return nil
	}))

	srv := NewServer(cfg, registry, authenticator, journal, healthRegistry, collector, logger)
	return &serverFixture{server: srv, registry: registry, auth: authenticator}
}

func (f *serverFixture) registerManager(t *testing.T, name string, opts ...lifecycle.Option) *lifecycle.Manager {
	t.Helper()
	mgr := lifecycle.New(&config.ServiceConfig{Name: name, Port: 9000, LogLevel: "info"}, testLogger(), opts...)
	require.NoError(t, f.registry.Register(mgr))
	return mgr
}

func (f *serverFixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := f.auth.Login("admin", adminPassword)
	require.NoError(t, err)
	return token.Value
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "UP", data["status"])
	assert.Contains(t, data, "checks")
	assert.Contains(t, data, "system")
}

func TestStatusEndpointFollowsLifecycle(t *testing.T) {
	f := newTestServer(t, nil)
	mgr := f.server.Service()

	rec := f.do(t, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data lifecycle.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "api", resp.Data.Service)
	assert.Equal(t, "stopped", resp.Data.Status)
	assert.Equal(t, lifecycle.Version, resp.Data.Version)

	require.NoError(t, mgr.Start(context.Background()))
	defer func() { require.NoError(t, mgr.Stop(context.Background())) }()

	rec = f.do(t, http.MethodGet, "/api/v1/status", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Data.Status)
	assert.GreaterOrEqual(t, resp.Data.Uptime, int64(0))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	body, err := json.Marshal(map[string]string{"username": "admin", "password": adminPassword})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/token", "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["token"])
}

func TestTokenEndpointRejectsBadCredentials(t *testing.T) {
	f := newTestServer(t, nil)

	body, err := json.Marshal(map[string]string{"username": "admin", "password": "wrong password!"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/token", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/services", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListServices(t *testing.T) {
	f := newTestServer(t, nil)
	f.registerManager(t, "worker")
	mgr := f.registerManager(t, "monitor")
	require.NoError(t, mgr.Start(context.Background()))

	rec := f.do(t, http.MethodGet, "/api/v1/services", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Services []lifecycle.Snapshot `json:"services"`
			Count    int                  `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Data.Count)
	// Registry listing is sorted by name.
	assert.Equal(t, "monitor", resp.Data.Services[0].Service)
	assert.Equal(t, "running", resp.Data.Services[0].Status)
	assert.Equal(t, "worker", resp.Data.Services[1].Service)
	assert.Equal(t, "stopped", resp.Data.Services[1].Status)
}

func TestStartAndStopService(t *testing.T) {
	f := newTestServer(t, nil)
	mgr := f.registerManager(t, "worker")
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/v1/services/worker/start", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusRunning, mgr.Status())

	rec = f.do(t, http.MethodPost, "/api/v1/services/worker/stop", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusStopped, mgr.Status())
}

func TestStartServiceFailureReportsErrorState(t *testing.T) {
	f := newTestServer(t, nil)
	mgr := f.registerManager(t, "worker", lifecycle.WithDatabase(&brokenDatabase{}))

	rec := f.do(t, http.MethodPost, "/api/v1/services/worker/start", f.adminToken(t), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decodeResponse(t, rec)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "conn refused")

	var data lifecycle.Snapshot
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "error", data.Status)
	assert.Equal(t, service.StatusError, mgr.Status())
}

func TestGetUnknownServiceReturns404(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/services/ghost", f.adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransitionsEndpoint(t *testing.T) {
	occurred := time.Now().Add(-time.Minute).UTC()
	db := &journalDatabase{rows: []map[string]interface{}{
		{
			"service":     "worker",
			"from_status": "STOPPED",
			"to_status":   "STARTING",
			"reason":      "start requested",
			"occurred_at": occurred,
		},
	}}
	journal := audit.NewRecorder(db, testLogger())

	f := newTestServer(t, journal)
	f.registerManager(t, "worker")

	rec := f.do(t, http.MethodGet, "/api/v1/services/worker/transitions?limit=5", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Service     string                   `json:"service"`
			Transitions []audit.TransitionRecord `json:"transitions"`
			Count       int                      `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "worker", resp.Data.Service)
	require.Equal(t, 1, resp.Data.Count)
	assert.Equal(t, "STARTING", resp.Data.Transitions[0].ToStatus)
}

func TestTransitionsUnavailableWithoutJournal(t *testing.T) {
	f := newTestServer(t, nil)
	f.registerManager(t, "worker")

	rec := f.do(t, http.MethodGet, "/api/v1/services/worker/transitions", f.adminToken(t), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerLifecycleStartStop(t *testing.T) {
	f := newTestServer(t, nil)
	mgr := f.server.Service()

	require.NoError(t, mgr.Start(context.Background()))
	assert.Equal(t, service.StatusRunning, mgr.Status())

	addr := f.server.listener.Addr().String()
	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(ctx))
	assert.Equal(t, service.StatusStopped, mgr.Status())
}

func TestStopSelfEndpointDoesNotHang(t *testing.T) {
	f := newTestServer(t, nil)
	mgr := f.server.Service()
	require.NoError(t, f.registry.Register(mgr))

	require.NoError(t, mgr.Start(context.Background()))
	addr := f.server.listener.Addr().String()

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/api/v1/services/api/stop", addr), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.adminToken(t))

	// The response must come back before the listener drains; a client
	// timeout here means the shutdown waited on this very connection.
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return mgr.Status() == service.StatusStopped
	}, 5*time.Second, 20*time.Millisecond)
}
