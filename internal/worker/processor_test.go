package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-dispatcher/internal/policy/breaker"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func withClassifier(c Classifier) harnessOption {
	return func(d *Deps, _ *harness) { d.Classifier = c }
}

func TestProcessSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, 1, task.AttemptCount)
	require.Equal(t, "software", task.Category)
	require.Equal(t, torrent.MethodRule, task.ClassificationMethod)
	require.Equal(t, "/mnt/nas/software", task.DestinationPath)
	require.Equal(t, []torrent.State{
		torrent.StateParsed,
		torrent.StateDedupChecked,
		torrent.StateClassified,
		torrent.StatePathResolved,
		torrent.StateSubmitting,
		torrent.StateSucceeded,
	}, h.tracker.path("task-1"))
	require.Equal(t, []string{"software=/mnt/nas/software"}, h.session.createdPaths())
	require.Empty(t, h.pauser.recorded())

	known, err := h.dedup.Contains(context.Background(), ubuntuHash)
	require.NoError(t, err)
	require.True(t, known)
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []error{serverError(), serverError()})

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, 3, task.AttemptCount)
	require.Equal(t, 3, h.session.submitCount())
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.pauser.recorded())

	events := h.tracker.notified()
	require.Len(t, events, 2)
	for i, evt := range events {
		require.Equal(t, progress.TypeRetry, evt.Type)
		require.Equal(t, i+1, evt.Attempt)
		require.Equal(t, torrent.KindServer, evt.Task.LastError)
		require.NoError(t, evt.Validate())
	}
}

func TestProcessStopsAfterMaxRetries(t *testing.T) {
	t.Parallel()
	script := []error{serverError(), serverError(), serverError(), serverError(), serverError()}
	h := newHarness(t, script, withMaxRetries(2))

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindServer, task.LastError)
	require.Equal(t, 3, task.AttemptCount)
	require.Equal(t, 3, h.session.submitCount())
	require.Len(t, h.pauser.recorded(), 2)

	known, err := h.dedup.Contains(context.Background(), ubuntuHash)
	require.NoError(t, err)
	require.False(t, known)
}

func TestProcessDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []error{&torrent.DownstreamError{Op: "add torrent", StatusCode: 401}})

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindAuth, task.LastError)
	require.Equal(t, 1, h.session.submitCount())
	require.Empty(t, h.pauser.recorded())
}

func TestProcessSkipsKnownHash(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.dedup.Add(context.Background(), ubuntuHash))

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateDuplicateSkipped, task.State)
	require.Zero(t, h.session.submitCount())
	require.Equal(t, []torrent.State{torrent.StateParsed, torrent.StateDuplicateSkipped}, h.tracker.path("task-1"))
}

func TestProcessTreatsDownstreamRejectionAsDuplicate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []error{fmt.Errorf("add torrent: %w", torrent.ErrDuplicate)})

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateDuplicateSkipped, task.State)
	require.Equal(t, 1, task.AttemptCount)
	known, err := h.dedup.Contains(context.Background(), ubuntuHash)
	require.NoError(t, err)
	require.True(t, known)
}

func TestProcessFailsOnUnparseableInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	task := h.run("task-1", "https://example.com/not-a-magnet")

	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindParse, task.LastError)
	require.Equal(t, []torrent.State{torrent.StateFailed}, h.tracker.path("task-1"))
	require.Zero(t, h.session.submitCount())
}

func TestProcessWaitsOutOpenCircuit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []error{serverError()}, withBreaker(1, 10*time.Second))

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, 3, task.AttemptCount)
	// The second attempt was rejected by the open circuit without a submit.
	require.Equal(t, 2, h.session.submitCount())
	require.Equal(t, []time.Duration{10 * time.Millisecond, 10*time.Second - 10*time.Millisecond}, h.pauser.recorded())
	require.Equal(t, breaker.StateClosed, h.breaker.State())
}

func TestProcessFailsWhenPauseIsCanceled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []error{serverError()})
	h.pauser.err = context.Canceled

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindCanceled, task.LastError)
	require.Equal(t, 1, task.AttemptCount)
}

func TestProcessContinuesWhenDedupLookupFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.processor.deps.Dedup = failingDedup{h.dedup}

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, 1, h.session.submitCount())
}

func TestProcessProvisionsDestinationOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.Equal(t, torrent.StateSucceeded, h.run("task-1", ubuntuMagnet).State)
	require.Equal(t, torrent.StateSucceeded, h.run("task-2", debianMagnet).State)
	require.Len(t, h.session.createdPaths(), 1)

	h.processor.ForgetDestinations()
	h.run("task-3", "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=fedora.iso")
	require.Len(t, h.session.createdPaths(), 2)
}

func TestProcessFailsWhenDestinationIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.session.createErr = &torrent.DownstreamError{Op: "create category", StatusCode: 400, Message: "bad save path"}

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindBadRequest, task.LastError)
	require.Contains(t, task.LastErrorText, "provision software")
	require.Zero(t, h.session.submitCount())
}

func TestProcessFallsBackToDefaultCategory(t *testing.T) {
	t.Parallel()
	classifier := &fixedClassifier{result: torrent.Classification{Category: "retired", Method: torrent.MethodOracle}}
	h := newHarness(t, nil, withClassifier(classifier))

	task := h.run("task-1", ubuntuMagnet)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, "other", task.Category)
	require.Equal(t, "/mnt/nas/other", task.DestinationPath)
}

func TestProcessSerializesSameHash(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	results := make([]torrent.Task, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.run(fmt.Sprintf("task-%d", i), ubuntuMagnet)
		}(i)
	}
	wg.Wait()

	states := []torrent.State{results[0].State, results[1].State}
	require.ElementsMatch(t, []torrent.State{torrent.StateSucceeded, torrent.StateDuplicateSkipped}, states)
	require.Equal(t, 1, h.session.submitCount())
	require.Zero(t, h.processor.deps.Inflight.Len())
}

func TestSeedKnownHashes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.session.known = []string{ubuntuHash, debianHash}

	n, err := h.processor.SeedKnownHashes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	task := h.run("task-1", debianMagnet)
	require.Equal(t, torrent.StateDuplicateSkipped, task.State)
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := NewProcessor(Deps{})
	require.Error(t, err)
}
