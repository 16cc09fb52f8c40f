package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/manual"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

var errDown = errors.New("downstream unavailable")

func failing(context.Context) error { return errDown }

func succeeding(context.Context) error { return nil }

func newTestBreaker(threshold int) (*Breaker, *manual.Clock) {
	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Endpoint: "qbt", FailureThreshold: threshold, OpenTimeout: 30 * time.Second, Clock: clk}), clk
}

// TestBreakerOpensAtThreshold verifies exactly failure_threshold consecutive failures trip the circuit.
func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3)
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Call(context.Background(), failing), errDown)
		require.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Call(context.Background(), failing), errDown)
	require.Equal(t, StateOpen, b.State())
}

// TestBreakerSuccessResetsCount ensures only consecutive failures count.
func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(2)
	require.Error(t, b.Call(context.Background(), failing))
	require.NoError(t, b.Call(context.Background(), succeeding))
	require.Error(t, b.Call(context.Background(), failing))
	require.Equal(t, StateClosed, b.State())
}

// TestBreakerOpenRejectsWithoutCalling checks fn is never invoked while open and the error carries the wait.
func TestBreakerOpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(1)
	require.Error(t, b.Call(context.Background(), failing))

	clk.Advance(10 * time.Second)
	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.False(t, called)
	var open *torrent.CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, 20*time.Second, open.RetryAfter)
	require.Equal(t, 20*time.Second, b.Remaining())
	require.True(t, torrent.Retryable(err))
}

// TestBreakerHalfOpenSuccessCloses verifies one successful probe closes the circuit.
func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(1)
	require.Error(t, b.Call(context.Background(), failing))
	clk.Advance(30 * time.Second)

	require.NoError(t, b.Call(context.Background(), succeeding))
	require.Equal(t, StateClosed, b.State())
}

// TestBreakerHalfOpenFailureReopens verifies one failed probe re-opens with a fresh timeout.
func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(1)
	require.Error(t, b.Call(context.Background(), failing))
	clk.Advance(31 * time.Second)

	require.ErrorIs(t, b.Call(context.Background(), failing), errDown)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 30*time.Second, b.Remaining())
}

// TestBreakerHalfOpenAdmitsSingleProbe ensures concurrent callers cannot pile onto a probing circuit.
func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(1)
	require.Error(t, b.Call(context.Background(), failing))
	clk.Advance(time.Minute)

	release := make(chan struct{})
	var calls atomic.Int32
	var wg sync.WaitGroup
	probeStarted := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(context.Background(), func(context.Context) error {
			calls.Add(1)
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	err := b.Call(context.Background(), succeeding)
	require.ErrorIs(t, err, torrent.ErrCircuitOpen)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, StateClosed, b.State())
}

// TestBreakerIgnoresNonFailures checks errors filtered by IsFailure never trip the circuit.
func TestBreakerIgnoresNonFailures(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, IsFailure: torrent.IsDownstreamFailure})
	unauthorized := &torrent.DownstreamError{Op: "add", StatusCode: 401}
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(context.Background(), func(context.Context) error { return unauthorized }), unauthorized)
	}
	require.Equal(t, StateClosed, b.State())
}

// TestBreakerConcurrentFailures hammers Call from many goroutines; run with -race.
func TestBreakerConcurrentFailures(t *testing.T) {
	t.Parallel()

	var transitions atomic.Int32
	b := New(Config{
		FailureThreshold: 5,
		OpenTimeout:      time.Hour,
		OnStateChange:    func(string, State, State) { transitions.Add(1) },
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(context.Background(), failing)
		}()
	}
	wg.Wait()
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, int32(1), transitions.Load())
}
