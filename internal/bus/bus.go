// Package bus carries frames between the websocket clients and the gateway
// task queue, and fans out session switch notices.
package bus

import (
	"context"
	"slices"
	"sync"
)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	outSubs     []func(OutboundMessage)
	sessionSubs []func(SessionChanged)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
	}
}

func (b *MessageBus) SubscribeOutbound(fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outSubs = append(b.outSubs, fn)
}

// DispatchOutbound delivers outbound frames to subscribers until ctx ends.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := slices.Clone(b.outSubs)
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(msg)
			}
		}
	}
}

// SubscribeSession registers fn for every session switch. Subscribers run
// synchronously on the publishing goroutine.
func (b *MessageBus) SubscribeSession(fn func(SessionChanged)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionSubs = append(b.sessionSubs, fn)
}

func (b *MessageBus) PublishSession(ev SessionChanged) {
	b.mu.RLock()
	subs := slices.Clone(b.sessionSubs)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
