// README: Sinks deliver messages: Redis channel publish per role feed, and fan-out to several sinks.
package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Sink delivers a message. Delivery is at-least-once; implementations must
// tolerate being handed the same DedupeKey twice.
type Sink interface {
	Deliver(ctx context.Context, m Message) error
}

type SinkFunc func(ctx context.Context, m Message) error

func (f SinkFunc) Deliver(ctx context.Context, m Message) error { return f(ctx, m) }

// MultiSink hands every message to each sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) Deliver(ctx context.Context, m Message) error {
	var errs []error
	for _, s := range ms {
		if err := s.Deliver(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChannelSink publishes messages as JSON on Redis pub/sub, one channel per
// audience and recipient.
type ChannelSink struct {
	redis *redis.Client
}

func NewChannelSink(redis *redis.Client) *ChannelSink {
	return &ChannelSink{redis: redis}
}

func (s *ChannelSink) Deliver(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, m.Channel(), payload).Err()
}
