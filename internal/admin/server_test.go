package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/internal/submission"
)

// fragileBreaker trips on the first revert.
func fragileBreaker() *submission.CircuitBreaker {
	return submission.NewCircuitBreaker(submission.BreakerConfig{MinSamples: 1, MaxRevertRate: 0.1})
}

func submissionStatus(t *testing.T, s *Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	res, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: SubmissionService})
	require.NoError(t, err)
	return res.Status
}

func TestBreakerEndpointsAndHealth(t *testing.T) {
	b := fragileBreaker()
	s := New(Config{}, prometheus.NewRegistry(), b)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, submissionStatus(t, s))

	b.Record(true, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, submissionStatus(t, s))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breaker", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "open").Bool())
	assert.Contains(t, gjson.Get(rec.Body.String(), "reason").String(), "revert rate")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breaker/reset", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breaker/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "open").Bool())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, submissionStatus(t, s))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.PendingSeen.Add(3)

	s := New(Config{}, reg, fragileBreaker())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var found bool
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if line == "sandwich_stream_pending_seen_total 3" {
			found = true
		}
	}
	assert.True(t, found, "pending counter exported")
}

func TestStartAndStop(t *testing.T) {
	s := New(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, prometheus.NewRegistry(), fragileBreaker())
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}
