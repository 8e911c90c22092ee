package nats

import (
	"context"
	"sync"
)

// Published is one message recorded by MockPublisher.
type Published struct {
	Subject string
	Event   any // *TransactionEvent or *BlockEvent
}

// MockPublisher records what would have been published, in order.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Published
	err      error
	batchErr error
	closed   bool
}

// NewMockPublisher creates an empty recorder.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Published{Subject: TransactionSubject(event.Address), Event: event})
	return nil
}

// PublishTransactionBatch records all events or none.
func (m *MockPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return m.batchErr
	}
	for _, event := range events {
		m.messages = append(m.messages, Published{Subject: TransactionSubject(event.Address), Event: event})
	}
	return nil
}

func (m *MockPublisher) PublishBlock(ctx context.Context, event *BlockEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Published{Subject: BlockSubject(event.Network), Event: event})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWith makes single publishes return err; nil clears it.
func (m *MockPublisher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailBatchWith makes PublishTransactionBatch return err; nil clears it.
func (m *MockPublisher) FailBatchWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchErr = err
}

// Messages returns a copy of everything recorded.
func (m *MockPublisher) Messages() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.messages...)
}

// Transactions returns the recorded transaction events, optionally only
// those on the subject of address.
func (m *MockPublisher) Transactions(address ...string) []*TransactionEvent {
	var want string
	if len(address) > 0 {
		want = TransactionSubject(address[0])
	}
	var events []*TransactionEvent
	for _, msg := range m.Messages() {
		event, ok := msg.Event.(*TransactionEvent)
		if !ok || (want != "" && msg.Subject != want) {
			continue
		}
		events = append(events, event)
	}
	return events
}

// Blocks returns the recorded block events.
func (m *MockPublisher) Blocks() []*BlockEvent {
	var blocks []*BlockEvent
	for _, msg := range m.Messages() {
		if event, ok := msg.Event.(*BlockEvent); ok {
			blocks = append(blocks, event)
		}
	}
	return blocks
}

// Closed reports whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
