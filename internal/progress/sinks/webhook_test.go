package sinks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []webhookPayload
	status   int
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var p webhookPayload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil || req.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	if r.status != 0 {
		http.Error(w, "nope", r.status)
	}
}

func (r *webhookRecorder) received() []webhookPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhookPayload(nil), r.payloads...)
}

func TestWebhookSinkPostsTerminalEvents(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	defer func() { require.NoError(t, sink.Close(context.Background())) }()

	err := sink.Consume(context.Background(), []progress.Event{
		taskEvent("a", torrent.StateClassified, 0),
		taskEvent("a", torrent.StateSucceeded, time.Second),
		taskEvent("b", torrent.StateDuplicateSkipped, time.Second),
	})
	require.NoError(t, err)

	got := rec.received()
	require.Len(t, got, 1)
	require.Len(t, got[0].Events, 2)
	require.Equal(t, progress.TypeSucceeded, got[0].Events[0].Type)
	require.Equal(t, "tv", got[0].Events[0].Task.Category)
	require.Equal(t, progress.TypeDuplicate, got[0].Events[1].Type)
}

func TestWebhookSinkSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		taskEvent("a", torrent.StateParsed, 0),
	}))
	require.Empty(t, rec.received())

	all := NewWebhookSink(srv.URL, time.Second, WithAllEvents(), WithHTTPClient(srv.Client()))
	require.NoError(t, all.Consume(context.Background(), []progress.Event{
		taskEvent("a", torrent.StateParsed, 0),
	}))
	require.Len(t, rec.received(), 1)
}

func TestWebhookSinkReportsFailures(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(rec)
	sink := NewWebhookSink(srv.URL, time.Second)

	err := sink.Consume(context.Background(), []progress.Event{taskEvent("a", torrent.StateFailed, 0)})
	require.ErrorContains(t, err, "502")

	srv.Close()
	err = sink.Consume(context.Background(), []progress.Event{taskEvent("a", torrent.StateFailed, 0)})
	require.Error(t, err)
}
