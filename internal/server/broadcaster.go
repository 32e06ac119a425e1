package server

import (
	"log/slog"
	"sync"
)

// Broadcaster fans out one session's event messages to websocket subscribers.
// The latest message is cached so late subscribers start from the current
// state, and after Close they still receive the terminal message.
type Broadcaster struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	dropped     map[string]struct{}
	last        []byte
	closed      bool
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logger,
		subscribers: make(map[string]chan<- []byte),
		dropped:     make(map[string]struct{}),
	}
}

// Subscribe adds a subscriber and returns the channel it reads from. The
// cached message, if any, is delivered first.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, max(bufferSize, 1))
	if b.last != nil {
		ch <- b.last
	}
	if b.closed {
		close(ch)
		return ch
	}

	b.subscribers[subscriberID] = ch
	b.logger.Debug("Progress subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.dropped, subscriberID)
	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		b.logger.Debug("Progress subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends data to all current subscribers. A subscriber whose channel
// is full is dropped.
func (b *Broadcaster) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = data

	for id, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			close(ch)
			delete(b.subscribers, id)
			b.dropped[id] = struct{}{}
			b.logger.Warn("Dropping slow progress subscriber", "id", id)
		}
	}
}

// Close sends final to every subscriber, closes their channels and caches
// final for later subscribers.
func (b *Broadcaster) Close(final []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	if final != nil {
		b.last = final
	}

	for id, ch := range b.subscribers {
		if final != nil {
			select {
			case ch <- final:
			default:
				b.logger.Warn("Progress subscriber missed the result", "id", id)
			}
		}
		close(ch)
	}
	b.subscribers = make(map[string]chan<- []byte)
}

// Dropped reports whether the subscriber's channel was closed because it fell
// behind, as opposed to the stream ending. It holds until Unsubscribe.
func (b *Broadcaster) Dropped(subscriberID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.dropped[subscriberID]
	return ok
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
