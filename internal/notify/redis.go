package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events as JSON on "<prefix>.<kind>".
type RedisSink struct {
	client *redis.Client
	prefix string
}

var _ Notifier = (*RedisSink)(nil)

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "cockpit.events"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (r *RedisSink) Channel(kind Kind) string {
	return r.prefix + "." + string(kind)
}

func (r *RedisSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := r.client.Publish(ctx, r.Channel(ev.Kind), payload).Err(); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Kind)
	}
	return nil
}
