package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/crawler"
)

type fakeStatuses struct {
	status crawler.Status
}

func (f *fakeStatuses) Status() crawler.Status { return f.status }

type fakeCounter struct {
	sent      int64
	remaining int64
}

func (f *fakeCounter) RequestsSent() int64           { return f.sent }
func (f *fakeCounter) ExpectedRemainingQuota() int64 { return f.remaining }

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatuses{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerStatusSnapshot(t *testing.T) {
	t.Parallel()

	wake := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	statuses := &fakeStatuses{status: crawler.Status{
		RunID:       "run-1",
		State:       "rate_limited",
		WindowStart: "20240301",
		WindowEnd:   "20240307",
		WaitReason:  "quota_exceeded",
		WakeTime:    &wake,
	}}
	server := NewServer(statuses, &fakeCounter{sent: 1000, remaining: 0}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, "rate_limited", got.State)
	require.Equal(t, "quota_exceeded", got.WaitReason)
	require.NotNil(t, got.WakeTime)
	require.True(t, wake.Equal(*got.WakeTime))
	require.Equal(t, int64(1000), got.RequestsSentToday)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatuses{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
