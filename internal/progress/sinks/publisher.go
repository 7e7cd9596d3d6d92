package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Publisher forwards task events to one topic, one message per event.
type Publisher struct {
	pub   crawler.Publisher
	topic string
}

// NewPublisher binds pub to topic.
func NewPublisher(pub crawler.Publisher, topic string) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &Publisher{pub: pub, topic: topic}, nil
}

// Consume publishes every event and joins the failures. A canceled ctx stops the
// batch early.
func (s *Publisher) Consume(ctx context.Context, batch []crawler.TaskEvent) error {
	var errs []error
	for i, evt := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish remaining %d events: %w", len(batch)-i, err))
			break
		}
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish task %s: %w", evt.TaskID, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the underlying client is owned by the caller.
func (s *Publisher) Close(context.Context) error { return nil }
