// Package messaging connects accounts to chat transports. It defines the
// transport Service abstraction, the per-account Dispatcher that routes inbound
// messages into the flow engine, the Executor that performs emitted actions and
// the webhook forwarder for messages no flow handles.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches every non-digit character of a phone number.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Sender delivers outbound messages to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID string, text string) error
	SendMedia(ctx context.Context, chatID string, media models.Media) error
}

// Service is a pluggable chat transport bound to one account.
type Service interface {
	Sender

	// Transport names the chat network this service talks to.
	Transport() models.TransportKind

	// CanonicalizeChatID validates a chat identifier and returns the form the
	// transport addresses messages to.
	CanonicalizeChatID(chatID string) (string, error)

	// Start connects to the network and begins delivering inbound messages.
	Start(ctx context.Context) error

	// Stop disconnects and closes the Messages channel.
	Stop() error

	// Messages returns the channel of inbound messages.
	Messages() <-chan models.InboundMessage
}

// inbox is the inbound channel shared by all service implementations.
type inbox struct {
	name     string
	mu       sync.RWMutex
	stopped  bool
	messages chan models.InboundMessage
}

func newInbox(name string) inbox {
	return inbox{name: name, messages: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// Messages returns the channel of inbound messages.
func (b *inbox) Messages() <-chan models.InboundMessage {
	return b.messages
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit pushes an inbound message, dropping it if the consumer stays blocked.
func (b *inbox) emit(msg models.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "sender_id", msg.SenderID)
		return
	}
	select {
	case b.messages <- msg:
		slog.Debug(b.name+" inbound message emitted", "sender_id", msg.SenderID, "message_id", msg.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" messages channel blocked, dropping message", "sender_id", msg.SenderID, "timeout", DefaultChannelTimeout)
	}
}

// close marks the inbox stopped and closes the channel. It reports false when
// the inbox was already closed.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.messages)
	return true
}

// canonicalPhone strips formatting from a phone number and validates its length.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyChatID
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: minimum 6 digits required")
	}
	return canonical, nil
}
