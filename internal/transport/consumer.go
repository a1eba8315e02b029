package transport

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TelemetryHandler processes one inbound message identified by its routing
// key. The message id is empty when the broker supplies none.
type TelemetryHandler func(ctx context.Context, routingKey string, payload []byte, messageID string) error

// RedisConsumer subscribes to every device-side .state channel and feeds the
// messages to the handler. Handler errors are logged, never fatal: a bad
// message must not stall ingest.
type RedisConsumer struct {
	client *redis.Client
	log    logrus.FieldLogger

	wg sync.WaitGroup
}

func NewRedisConsumer(client *redis.Client, log logrus.FieldLogger) *RedisConsumer {
	return &RedisConsumer{client: client, log: log}
}

func (c *RedisConsumer) Run(ctx context.Context, handler TelemetryHandler) func() {
	pubsub := c.client.PSubscribe(ctx, "*.state")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, message.Channel, []byte(message.Payload), ""); err != nil {
					c.log.WithError(err).Debugf("dropped message on %s", message.Channel)
				}
			}
		}
	}()

	return func() {
		_ = pubsub.Close()
		c.wg.Wait()
	}
}
