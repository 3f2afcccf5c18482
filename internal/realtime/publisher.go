// Package realtime fans decoded telemetry out to logical channels.
// The transport that delivers events to browser clients subscribes to
// these channels; this side only publishes.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ChannelAdmins = "rt:admins"
	ChannelRiders = "rt:riders"
)

func VehicleChannel(vehicleID string) string {
	return "rt:vehicle:" + vehicleID
}

func DeviceChannel(deviceID string) string {
	return "rt:device:" + deviceID
}

// Publisher is the fan-out contract consumed by the dispatcher and the
// job handlers.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload interface{}) error
}

// Event is the envelope written to every channel.
type Event struct {
	Event string      `json:"event"`
	Ts    time.Time   `json:"ts"`
	Data  interface{} `json:"data"`
}

// RedisPublisher implements Publisher on Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	b, err := json.Marshal(Event{Event: event, Ts: time.Now().UTC(), Data: payload})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	if err := p.client.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	return nil
}
