package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	inbox
	accountID string
	client    whatsapp.WhatsAppSender

	mu     sync.Mutex
	remove func()
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService for the account.
func NewWhatsAppService(accountID string, client whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{
		inbox:     newInbox("WhatsAppService"),
		accountID: accountID,
		client:    client,
	}
}

func (s *WhatsAppService) Transport() models.TransportKind { return models.TransportWhatsApp }

// CanonicalizeChatID reduces a phone number to its digits.
func (s *WhatsAppService) CanonicalizeChatID(chatID string) (string, error) {
	return canonicalPhone(chatID)
}

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remove != nil {
		return nil
	}
	if s.isStopped() {
		return ErrServiceStopped
	}
	s.remove = s.client.OnMessage(func(msg models.InboundMessage) {
		msg.AccountID = s.accountID
		s.emit(msg)
	})
	slog.Debug("WhatsAppService event handler registered", "account_id", s.accountID)
	return nil
}

// Stop unregisters the handler, disconnects and closes the Messages channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	remove := s.remove
	s.remove = nil
	s.mu.Unlock()
	if remove != nil {
		remove()
	}
	if s.inbox.close() {
		s.client.Close()
		slog.Info("WhatsAppService stopped and channels closed", "account_id", s.accountID)
	}
	return nil
}

func (s *WhatsAppService) SendText(ctx context.Context, chatID string, text string) error {
	to, err := s.recipient(chatID)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, to, text)
}

func (s *WhatsAppService) SendMedia(ctx context.Context, chatID string, media models.Media) error {
	to, err := s.recipient(chatID)
	if err != nil {
		return err
	}
	return s.client.SendMedia(ctx, to, media)
}

func (s *WhatsAppService) recipient(chatID string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return s.CanonicalizeChatID(chatID)
}
