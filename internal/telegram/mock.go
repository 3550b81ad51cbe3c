package telegram

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage records one message sent through a MockClient.
type SentMessage struct {
	ChatID int64
	Text   string
	Media  *models.Media
}

// MockClient implements Bot without network access (for tests).
type MockClient struct {
	mu      sync.Mutex
	sent    []SentMessage
	inbound chan models.InboundMessage
	done    chan struct{}
	once    sync.Once
}

// Compile-time check that MockClient implements Bot.
var _ Bot = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		inbound: make(chan models.InboundMessage, 16),
		done:    make(chan struct{}),
	}
}

func (m *MockClient) SendText(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, chatID int64, media models.Media) error {
	if _, err := MediaConfig(chatID, media); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Media: &media})
	return nil
}

func (m *MockClient) Listen(ctx context.Context, handle func(models.InboundMessage)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case msg := <-m.inbound:
			handle(msg)
		}
	}
}

func (m *MockClient) Close() {
	m.once.Do(func() { close(m.done) })
}

// Push queues an inbound message for Listen.
func (m *MockClient) Push(msg models.InboundMessage) {
	m.inbound <- msg
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
