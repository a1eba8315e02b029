package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
)

// CommandPublisher carries outbound device commands to the message broker the
// controllers listen on.
type CommandPublisher interface {
	Publish(ctx context.Context, command api.DeviceCommand) error
	Close() error
}

// RedisPublisher publishes commands on redis pub/sub channels named after the
// command's routing key, with the publish timeout bounding each round-trip.
type RedisPublisher struct {
	client  *redis.Client
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewRedisPublisher(client *redis.Client, log logrus.FieldLogger, timeout time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, log: log, timeout: timeout}
}

func (p *RedisPublisher) Publish(ctx context.Context, command api.DeviceCommand) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, command.RoutingKey, command.Payload).Err(); err != nil {
		return fmt.Errorf("publishing command for %s: %w", command.Device, err)
	}
	p.log.Debugf("published %s %s", command.RoutingKey, command.Payload)
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Recorder is the in-memory publisher used by tests. It can be told to fail.
type Recorder struct {
	mu       sync.Mutex
	commands []api.DeviceCommand
	err      error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, command api.DeviceCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	// detach the payload so later mutations by the caller cannot alias
	clone := command
	clone.Payload = append([]byte(nil), command.Payload...)
	r.commands = append(r.commands, clone)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Commands() []api.DeviceCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.DeviceCommand, len(r.commands))
	copy(out, r.commands)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// Problem is the RFC 7807 error body returned by the HTTP surface and carried
// in real-time failure messages.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (p Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func (p Problem) JSON() []byte {
	out, err := json.Marshal(p)
	if err != nil {
		return []byte(`{"type":"about:blank","title":"INTERNAL_ERROR"}`)
	}
	return out
}
