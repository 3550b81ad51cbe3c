package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage records one outbound message of a MockService.
type SentMessage struct {
	ChatID string
	Text   string
	Media  *models.Media
}

// MockService is an in-process Service that records outbound messages and lets
// callers inject inbound ones. It is used by tests and by the dry-run transport.
type MockService struct {
	inbox
	kind models.TransportKind

	mu      sync.Mutex
	sent    []SentMessage
	started bool
	// SendErr, when set, is returned by every send.
	SendErr error
	// StartErr, when set, is returned by Start.
	StartErr error
}

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// NewMockService creates a MockService reporting the given transport kind.
func NewMockService(kind models.TransportKind) *MockService {
	return &MockService{inbox: newInbox("MockService"), kind: kind}
}

func (m *MockService) Transport() models.TransportKind { return m.kind }

func (m *MockService) CanonicalizeChatID(chatID string) (string, error) {
	if chatID == "" {
		return "", models.ErrEmptyChatID
	}
	return chatID, nil
}

func (m *MockService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.started = true
	return nil
}

func (m *MockService) Stop() error {
	m.inbox.close()
	return nil
}

// Started reports whether Start succeeded.
func (m *MockService) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *MockService) SendText(ctx context.Context, chatID string, text string) error {
	if m.isStopped() {
		return ErrServiceStopped
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *MockService) SendMedia(ctx context.Context, chatID string, media models.Media) error {
	if m.isStopped() {
		return ErrServiceStopped
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	md := media
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Media: &md})
	return nil
}

// Receive injects an inbound message as if it arrived from the network.
func (m *MockService) Receive(msg models.InboundMessage) {
	m.emit(msg)
}

// Sent returns a copy of the recorded outbound messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
