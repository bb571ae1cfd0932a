package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not checked yet")

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("sink", false, unhealthy)
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("journal", true, unhealthy)
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckRecoversPanicAndTimeout(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)

	last := c.Results()
	assert.Len(t, last, 2)
	assert.False(t, last["slow"].LastChecked.IsZero())
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.RegisterFunc("journal", true, unhealthy)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandlerFullReport(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("store", true, healthy)
	c.RegisterFunc("deadletters", false, BacklogCheck("dead_letters", 1, func(context.Context) (int, error) {
		return 3, nil
	}))

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Ready)
	require.Contains(t, report.Components, "deadletters")
	assert.Equal(t, StatusDegraded, report.Components["deadletters"].Status)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestFileCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.wal")

	assert.Equal(t, StatusUnhealthy, FileCheck(path, 0)(context.Background()).Status)

	require.NoError(t, os.WriteFile(path, []byte("EGJL"), 0600))
	assert.Equal(t, StatusHealthy, FileCheck(path, 0)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, FileCheck(path, 64)(context.Background()).Status)
}

func TestPingAndBacklogErrors(t *testing.T) {
	fail := errors.New("database is locked")

	r := PingCheck(func(context.Context) error { return fail })(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, fail.Error(), r.Error)

	r = BacklogCheck("dead_letters", 10, func(context.Context) (int, error) { return 0, fail })(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)

	r = CustomCheck(func() error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
}
