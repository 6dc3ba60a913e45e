package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const relayChannelPrefix = "room:"

// relayEnvelope wraps a frame with the publishing instance id, so an
// instance can skip its own messages coming back from the channel.
type relayEnvelope struct {
	Instance string          `json:"instance"`
	Frame    json.RawMessage `json:"frame"`
}

type RedisRelaySettings struct {
	RedisUrl string
}

func DefaultRedisRelaySettings() *RedisRelaySettings {
	return &RedisRelaySettings{
		RedisUrl: "redis://localhost:6379/0",
	}
}

// RedisRelay fans room frames out across hub instances over Redis pub/sub.
// Delivery is fire and forget: a missed frame is repaired by the next
// snapshot-and-sync cycle when the affected client reconnects.
type RedisRelay struct {
	instanceId string
	client     *redis.Client

	settings *RedisRelaySettings
}

func NewRedisRelayWithDefaults() (*RedisRelay, error) {
	return NewRedisRelay(DefaultRedisRelaySettings())
}

func NewRedisRelay(settings *RedisRelaySettings) (*RedisRelay, error) {
	options, err := redis.ParseURL(settings.RedisUrl)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return &RedisRelay{
		instanceId: ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String(),
		client:     redis.NewClient(options),
		settings:   settings,
	}, nil
}

func (self *RedisRelay) InstanceId() string {
	return self.instanceId
}

func (self *RedisRelay) Publish(ctx context.Context, room string, frame []byte) error {
	envelope, err := json.Marshal(&relayEnvelope{
		Instance: self.instanceId,
		Frame:    frame,
	})
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, relayChannelPrefix+room, envelope).Err()
}

// Subscribe listens on every room channel until the context is done.
func (self *RedisRelay) Subscribe(ctx context.Context, handle func(room string, frame []byte)) error {
	pubsub := self.client.PSubscribe(ctx, relayChannelPrefix+"*")
	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var envelope relayEnvelope
				if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
					glog.Infof("[relay]bad envelope = %s\n", err)
					continue
				}
				if envelope.Instance == self.instanceId {
					continue
				}
				room := strings.TrimPrefix(message.Channel, relayChannelPrefix)
				handle(room, envelope.Frame)
			}
		}
	}()
	return nil
}

func (self *RedisRelay) Close() {
	self.client.Close()
}
