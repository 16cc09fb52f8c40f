package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeEndpoint(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://nas.local:8080/api/v2", "nas.local"},
		{"standard https", "https://QBT.example.com", "qbt.example.com"},
		{"no scheme", "qbt.example.com/path", "qbt.example.com"},
		{"host with port", "10.0.0.5:8080", "10.0.0.5"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeEndpoint(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := submitAttemptsTotal
	Init()
	require.Same(t, first, submitAttemptsTotal)
}

func TestObserveFunctionsRecord(t *testing.T) {
	Init()
	before := testutil.ToFloat64(rateLimitRejectionsTotal.WithLabelValues("observe-test"))
	ObserveRateLimitRejection("observe-test")
	require.InDelta(t, before+1, testutil.ToFloat64(rateLimitRejectionsTotal.WithLabelValues("observe-test")), 0.001)

	ObserveBreakerTransition("observe-test", "OPEN")
	require.InDelta(t, 1, testutil.ToFloat64(breakerState.WithLabelValues("observe-test")), 0.001)
	ObserveBreakerTransition("observe-test", "CLOSED")
	require.InDelta(t, 0, testutil.ToFloat64(breakerState.WithLabelValues("observe-test")), 0.001)

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.InDelta(t, 1, testutil.ToFloat64(activeWorkers), 0.001)
	DecActiveWorkers()

	ObserveRateLimitDelay("observe-test", 20*time.Millisecond)
	ObservePoolAcquire("api", "ok", time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
	require.Positive(t, testutil.CollectAndCount(poolAcquireSeconds))
}

func FuzzSanitizeEndpoint(f *testing.F) {
	for _, tc := range []string{"http://localhost:8080", "https://nas", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeEndpoint(orig) == "" {
			t.Errorf("SanitizeEndpoint(%q) returned an empty string", orig)
		}
	})
}
