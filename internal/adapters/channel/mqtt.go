package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const (
	mqttQoS          = byte(1)
	mqttTopicPrefix  = "voicecall/rooms/"
	mqttDisconnectMs = 250
)

func mqttTopic(room domain.RoomID) string { return mqttTopicPrefix + string(room) }

// DialMQTT connects a paho client with up to retries attempts and
// exponential backoff between them.
func DialMQTT(broker, clientID string, retries int) (mqtt.Client, error) {
	if clientID == "" {
		clientID = "voicecall-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetOrderMatters(true)
	client := mqtt.NewClient(opts)

	if retries < 1 {
		retries = 1
	}
	var err error
	for i := 0; i < retries; i++ {
		token := client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			log.Info().Str("module", "channel.mqtt").Str("broker", broker).Msg("connected")
			return client, nil
		}
		err = token.Error()
		if i < retries-1 {
			backoff := time.Duration(1<<uint(i)) * time.Second
			log.Warn().Err(err).Str("module", "channel.mqtt").Int("attempt", i+1).Dur("backoff", backoff).Msg("connect failed")
			time.Sleep(backoff)
		}
	}
	if err == nil {
		err = fmt.Errorf("timeout")
	}
	return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
}

// MQTTChannel publishes room events on voicecall/rooms/<room> at QoS 1.
// One client carries at most one subscription per room.
type MQTTChannel struct {
	client mqtt.Client
}

func NewMQTTChannel(client mqtt.Client) *MQTTChannel {
	return &MQTTChannel{client: client}
}

type mqttSub struct {
	client   mqtt.Client
	topic    string
	self     domain.User
	instance string

	mu     sync.RWMutex
	closed bool
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTChannel) Subscribe(ctx context.Context, room domain.RoomID, self domain.User, h core.EventHandler) (core.Subscription, error) {
	s := &mqttSub{
		client:   c.client,
		topic:    mqttTopic(room),
		self:     self,
		instance: uuid.NewString(),
	}
	l := log.With().Str("module", "channel.mqtt").Str("topic", s.topic).Logger()

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		evt, ok, err := decodeBusFrame(msg.Payload(), s.instance)
		if err != nil {
			l.Warn().Err(err).Msg("bad frame")
			return
		}
		if ok {
			h(evt)
		}
	}
	if err := waitToken(ctx, c.client.Subscribe(s.topic, mqttQoS, handler)); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", s.topic, err)
	}
	l.Info().Str("user", string(self.ID)).Msg("subscribed")
	return s, nil
}

func (s *mqttSub) Send(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	b, err := encodeBusFrame(s.instance, s.self.ID, event, payload)
	if err != nil {
		return err
	}
	return waitToken(ctx, s.client.Publish(s.topic, mqttQoS, false, b))
}

func (s *mqttSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	t := s.client.Unsubscribe(s.topic)
	if !t.WaitTimeout(time.Duration(mqttDisconnectMs) * time.Millisecond) {
		return nil
	}
	return t.Error()
}
