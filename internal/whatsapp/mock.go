package whatsapp

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage records one message sent through a MockClient.
type SentMessage struct {
	To    string
	Body  string
	Media *models.Media
}

// MockClient implements WhatsAppSender without a WhatsApp connection (for tests).
type MockClient struct {
	mu       sync.Mutex
	sent     []SentMessage
	handlers map[int]func(models.InboundMessage)
	nextID   int
	closed   bool
}

// Compile-time check that MockClient implements WhatsAppSender.
var _ WhatsAppSender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{handlers: make(map[int]func(models.InboundMessage))}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	if to == "" {
		return models.ErrEmptyChatID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, media models.Media) error {
	if err := media.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Media: &media})
	return nil
}

func (m *MockClient) OnMessage(handle func(models.InboundMessage)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handle
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

func (m *MockClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Deliver invokes the registered handlers as if msg arrived from WhatsApp.
func (m *MockClient) Deliver(msg models.InboundMessage) {
	m.mu.Lock()
	handlers := make([]func(models.InboundMessage), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
