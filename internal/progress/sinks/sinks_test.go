package sinks

import (
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func taskEvent(id string, state torrent.State, after time.Duration) progress.Event {
	return progress.ForTask(torrent.Task{
		ID:                   id,
		State:                state,
		Category:             "tv",
		ClassificationMethod: torrent.MethodRule,
		Identifier:           torrent.Identifier{ContentHash: "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"},
		CreatedAt:            baseTime,
	}, baseTime.Add(after))
}

func retryEvent(id string, attempt int, kind torrent.ErrorKind) progress.Event {
	evt := taskEvent(id, torrent.StateSubmitting, time.Second)
	evt.Type = progress.TypeRetry
	evt.Attempt = attempt
	evt.Task.LastError = kind
	return evt
}
