package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitorhq/servitor/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:       logging.ErrorLevel,
		Output:      io.Discard,
		ServiceName: "health-test",
		Environment: "test",
	})
}

func TestServiceChecker(t *testing.T) {
	up := ServiceChecker("api", func(ctx context.Context) error { return nil })
	down := ServiceChecker("control", func(ctx context.Context) error {
		return errors.New("service control is stopped")
	})

	check := up(context.Background())
	assert.Equal(t, "api", check.Name)
	assert.Equal(t, StatusUp, check.Status)
	assert.False(t, check.LastChecked.IsZero())
	assert.NoError(t, check.Error)

	check = down(context.Background())
	assert.Equal(t, StatusDown, check.Status)
	assert.Contains(t, check.Message, "unhealthy")
	assert.Error(t, check.Error)
}

func TestDependencyChecker(t *testing.T) {
	check := DependencyChecker("postgres", func(ctx context.Context) error {
		return errors.New("connection refused")
	})(context.Background())

	assert.Equal(t, "postgres", check.Name)
	assert.Equal(t, StatusDown, check.Status)
	assert.Contains(t, check.Message, "dependency postgres")
}

func TestRegistryRunChecks(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register("api", ServiceChecker("api", func(ctx context.Context) error { return nil }))
	r.Register("redis", DependencyChecker("redis", func(ctx context.Context) error {
		return errors.New("timeout")
	}))

	results := r.RunChecks(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUp, results["api"].Status)
	assert.Equal(t, StatusDown, results["redis"].Status)
	assert.False(t, r.IsHealthy(context.Background()))

	r.Unregister("redis")
	assert.True(t, r.IsHealthy(context.Background()))
}

func TestRegisterReplacesChecker(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register("api", ServiceChecker("api", func(ctx context.Context) error {
		return errors.New("down")
	}))
	r.Register("api", ServiceChecker("api", func(ctx context.Context) error { return nil }))

	assert.True(t, r.IsHealthy(context.Background()))
}

func TestHandlerReportsAggregateStatus(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register("api", ServiceChecker("api", func(ctx context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status Status `json:"status"`
		Checks map[string]struct {
			Name   string `json:"name"`
			Status Status `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUp, body.Status)
	assert.Equal(t, StatusUp, body.Checks["api"].Status)

	r.Register("postgres", DependencyChecker("postgres", func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckJSONIncludesError(t *testing.T) {
	check := DependencyChecker("kafka", func(ctx context.Context) error {
		return errors.New("broker unreachable")
	})(context.Background())

	raw, err := json.Marshal(check)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "kafka", decoded["name"])
	assert.Equal(t, "DOWN", decoded["status"])
	assert.Equal(t, "broker unreachable", decoded["error"])
}
