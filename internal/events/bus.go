// Package events is the in-process fan-out between bot engines and their
// websocket watchers. Topics are keyed by bot ID; delivery is best-effort
// and never blocks a publisher.
package events

import (
	"sync"
	"time"
)

// Message kinds published by the engines.
const (
	KindSpreadUpdate   = "spread_update"
	KindOrderUpdate    = "order_update"
	KindPositionUpdate = "position_update"
	KindStatusUpdate   = "status_update"
)

// Message is the wire envelope pushed to websocket clients.
type Message struct {
	Type      string    `json:"type"`
	BotID     uint      `json:"bot_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Bus fans messages out to per-bot subscriber channels. A slow subscriber
// loses messages rather than stalling the engine; every payload is a fresh
// snapshot, so dropped ones are superseded anyway.
type Bus struct {
	mu     sync.RWMutex
	topics map[uint][]chan Message
}

const subscriberBuffer = 64

func NewBus() *Bus {
	return &Bus{topics: make(map[uint][]chan Message)}
}

// FirehoseID subscribes to every bot's messages.
const FirehoseID uint = 0

// Subscribe registers a watcher for one bot, or for all bots via
// FirehoseID. The returned cancel func must be called exactly once; it
// closes the channel.
func (b *Bus) Subscribe(botID uint) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	b.topics[botID] = append(b.topics[botID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		subs := b.topics[botID]
		for i, sub := range subs {
			if sub == ch {
				b.topics[botID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[botID]) == 0 {
			delete(b.topics, botID)
		}
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber of its bot, skipping any whose
// buffer is full.
func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// Sends stay under the read lock: they are non-blocking and cheap, and
	// holding it guarantees cancel cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[msg.BotID] {
		select {
		case ch <- msg:
		default:
		}
	}
	if msg.BotID != FirehoseID {
		for _, ch := range b.topics[FirehoseID] {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount reports the watchers on one bot topic.
func (b *Bus) SubscriberCount(botID uint) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[botID])
}
