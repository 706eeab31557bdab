package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const redisTopicPrefix = "voicecall:room:"

func redisTopic(room domain.RoomID) string { return redisTopicPrefix + string(room) }

// RedisChannel fans room events out through redis PUBLISH/SUBSCRIBE.
type RedisChannel struct {
	client *redis.Client
}

func NewRedisChannel(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

type redisSub struct {
	client   *redis.Client
	ps       *redis.PubSub
	topic    string
	self     domain.User
	instance string
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (c *RedisChannel) Subscribe(ctx context.Context, room domain.RoomID, self domain.User, h core.EventHandler) (core.Subscription, error) {
	topic := redisTopic(room)
	ps := c.client.Subscribe(ctx, topic)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	s := &redisSub{
		client:   c.client,
		ps:       ps,
		topic:    topic,
		self:     self,
		instance: uuid.NewString(),
		done:     make(chan struct{}),
	}
	go s.pump(h)
	log.Info().Str("module", "channel.redis").Str("topic", topic).Str("user", string(self.ID)).Msg("subscribed")
	return s, nil
}

func (s *redisSub) pump(h core.EventHandler) {
	defer close(s.done)
	l := log.With().Str("module", "channel.redis").Str("topic", s.topic).Logger()
	for msg := range s.ps.Channel() {
		evt, ok, err := decodeBusFrame([]byte(msg.Payload), s.instance)
		if err != nil {
			l.Warn().Err(err).Msg("bad frame")
			continue
		}
		if ok {
			h(evt)
		}
	}
	l.Debug().Msg("pump stopped")
}

func (s *redisSub) Send(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	b, err := encodeBusFrame(s.instance, s.self.ID, event, payload)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.topic, b).Err()
}

func (s *redisSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.ps.Close()
	<-s.done
	return err
}
