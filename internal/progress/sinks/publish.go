package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// PublishSink forwards terminal events to a message publisher, one message
// per event.
type PublishSink struct {
	publisher torrent.Publisher
	topic     string
}

// NewPublishSink publishes to topic through p.
func NewPublishSink(p torrent.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: p, topic: topic}
}

// Consume publishes every terminal event and joins the failures.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish task %s: %w", evt.Task.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
