package exchange

import (
	"context"
	"sync"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
)

// MemoryExchange is an in-process fake Exchange for tests: publishing to a
// key fans out to every currently-open subscription holding that key.
type MemoryExchange struct {
	mu   sync.Mutex
	subs map[RoutingKey][]*memorySubscription
}

func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{subs: map[RoutingKey][]*memorySubscription{}}
}

func (e *MemoryExchange) Publish(_ context.Context, key RoutingKey, senderID ids.RunnerId, env wire.Envelope) error {
	e.mu.Lock()
	targets := append([]*memorySubscription(nil), e.subs[key]...)
	e.mu.Unlock()

	msg := Message{RoutingKey: key, SenderID: senderID, Envelope: env}
	for _, s := range targets {
		select {
		case s.out <- msg:
		default:
			// best-effort, at-most-once: a full subscriber buffer drops the message.
		}
	}
	return nil
}

func (e *MemoryExchange) Subscribe(_ context.Context, keys []RoutingKey) (Subscription, error) {
	sub := &memorySubscription{
		exchange: e,
		keys:     append([]RoutingKey(nil), keys...),
		out:      make(chan Message, 64),
	}

	e.mu.Lock()
	for _, k := range keys {
		e.subs[k] = append(e.subs[k], sub)
	}
	e.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	exchange *MemoryExchange
	keys     []RoutingKey
	out      chan Message
	closed   bool
}

func (s *memorySubscription) C() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.exchange.mu.Lock()
	defer s.exchange.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, k := range s.keys {
		list := s.exchange.subs[k]
		for i, other := range list {
			if other == s {
				s.exchange.subs[k] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	close(s.out)
	return nil
}

var _ Exchange = (*MemoryExchange)(nil)
