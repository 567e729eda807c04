package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// wireMessage is the on-the-wire envelope published to a Redis channel: the
// routing key is implicit in the channel name, but sender id travels inside
// so receivers can filter echoes without a second round-trip.
type wireMessage struct {
	SenderID ids.RunnerId  `json:"sender_id"`
	Envelope wire.Envelope `json:"envelope"`
}

const channelPrefix = "signaling:exchange:"

func channelName(key RoutingKey) string {
	return channelPrefix + string(key)
}

// RedisExchange is the production Exchange, backed by Redis Pub/Sub.
type RedisExchange struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

func NewRedisExchange(client *redis.Client) *RedisExchange {
	st := gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(v)
		},
	}
	return &RedisExchange{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func (e *RedisExchange) Publish(ctx context.Context, key RoutingKey, senderID ids.RunnerId, env wire.Envelope) error {
	data, err := json.Marshal(wireMessage{SenderID: senderID, Envelope: env})
	if err != nil {
		return fmt.Errorf("exchange: marshal: %w", err)
	}

	_, err = e.cb.Execute(func() (any, error) {
		return nil, e.client.Publish(ctx, channelName(key), data).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("exchange").Inc()
			logging.Warn(ctx, "exchange circuit open, dropping publish", zap.String("routing_key", string(key)))
			return nil
		}
		return fmt.Errorf("exchange: publish: %w", err)
	}
	metrics.ExchangeMessagesTotal.WithLabelValues("publish", string(key)).Inc()
	return nil
}

func (e *RedisExchange) Subscribe(ctx context.Context, keys []RoutingKey) (Subscription, error) {
	channels := make([]string, len(keys))
	keyByChannel := make(map[string]RoutingKey, len(keys))
	for i, k := range keys {
		ch := channelName(k)
		channels[i] = ch
		keyByChannel[ch] = k
	}

	ps := e.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("exchange: subscribe: %w", err)
	}

	out := make(chan Message, 64)
	sub := &redisSubscription{ps: ps, out: out}

	go func() {
		defer close(out)
		raw := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-raw:
				if !ok {
					return
				}
				var wm wireMessage
				if err := json.Unmarshal([]byte(m.Payload), &wm); err != nil {
					logging.Error(ctx, "exchange: failed to unmarshal message", zap.Error(err))
					continue
				}
				key := keyByChannel[m.Channel]
				metrics.ExchangeMessagesTotal.WithLabelValues("receive", string(key)).Inc()
				select {
				case out <- Message{RoutingKey: key, SenderID: wm.SenderID, Envelope: wm.Envelope}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) C() <-chan Message { return s.out }
func (s *redisSubscription) Close() error      { return s.ps.Close() }

var _ Exchange = (*RedisExchange)(nil)
