package engine

import (
	"log/slog"
	"sync"
)

// Block is a block-change event.
type Block struct {
	Height     uint64 `json:"blockHeight"`
	Hash       string `json:"hash,omitempty"`
	ParentHash string `json:"parentHash,omitempty"`
}

// Broadcaster fans block events out to subscribers. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// Subscription receives events on C until Unsubscribe is called, after
// which C is closed.
type Subscription struct {
	C <-chan Block

	ch   chan Block
	b    *Broadcaster
	once sync.Once
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{subs: make(map[*Subscription]struct{}), logger: logger}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Block, buffer)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		close(s.ch)
		s.b.mu.Unlock()
	})
}

// Publish delivers blk to every subscriber.
func (b *Broadcaster) Publish(blk Block) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		select {
		case s.ch <- blk:
		default:
			b.logger.Warn("dropping block event for slow subscriber", "height", blk.Height)
		}
	}
}

// Len returns the number of active subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
