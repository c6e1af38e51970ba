package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
)

type stubHost struct {
	name    string
	address Address

	mu        sync.Mutex
	sent      []*Message
	published []*Message
	sendErrs  []error
	closed    atomic.Int32
}

func (s *stubHost) Address() Address           { return s.address }
func (s *stubHost) Capabilities() Capabilities { return Capabilities{Name: s.name} }

func (s *stubHost) Send(ctx context.Context, dest Address, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		return err
	}
	return nil
}

func (s *stubHost) Publish(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, msg)
	return nil
}

func (s *stubHost) Listen(ctx context.Context, ep Endpoint, handler Handler) error { return nil }

func (s *stubHost) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *stubHost) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type mockPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	err       error
	closed    int
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.published == nil {
		m.published = map[string][]*message.Message{}
	}
	m.published[topic] = append(m.published[topic], messages...)
	return nil
}

func (m *mockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

type mockSubscriber struct {
	mu     sync.Mutex
	topics []string
	closed int
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	m.mu.Lock()
	m.topics = append(m.topics, topic)
	m.mu.Unlock()
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}
