package messaging

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through HandleWebhook rather than a live connection.
type TwilioService struct {
	inbox
	accountID string
	authToken string
	client    twiliowhatsapp.TwilioWhatsAppSender
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService. A non-empty authToken enables
// webhook signature checks.
func NewTwilioService(accountID, authToken string, client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		inbox:     newInbox("TwilioService"),
		accountID: accountID,
		authToken: authToken,
		client:    client,
	}
}

func (s *TwilioService) Transport() models.TransportKind { return models.TransportTwilio }

// CanonicalizeChatID reduces a phone number to its digits.
func (s *TwilioService) CanonicalizeChatID(chatID string) (string, error) {
	return canonicalPhone(chatID)
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return nil
}

// Stop closes the Messages channel.
func (s *TwilioService) Stop() error {
	if s.inbox.close() {
		slog.Info("TwilioService stopped", "account_id", s.accountID)
	}
	return nil
}

// VerifySignature checks a webhook signature. It accepts every request when
// no auth token is configured.
func (s *TwilioService) VerifySignature(fullURL string, form url.Values, signature string) bool {
	if s.authToken == "" {
		return true
	}
	return twiliowhatsapp.ValidSignature(s.authToken, fullURL, form, signature)
}

// HandleWebhook parses an inbound webhook form and emits the message.
func (s *TwilioService) HandleWebhook(form url.Values) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	msg, err := twiliowhatsapp.ParseWebhook(form)
	if err != nil {
		return err
	}
	msg.AccountID = s.accountID
	s.emit(msg)
	return nil
}

func (s *TwilioService) SendText(ctx context.Context, chatID string, text string) error {
	to, err := s.recipient(chatID)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, to, text)
}

func (s *TwilioService) SendMedia(ctx context.Context, chatID string, media models.Media) error {
	to, err := s.recipient(chatID)
	if err != nil {
		return err
	}
	return s.client.SendMedia(ctx, to, media)
}

func (s *TwilioService) recipient(chatID string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonical, err := s.CanonicalizeChatID(chatID)
	if err != nil {
		return "", err
	}
	if canonical != chatID {
		slog.Debug("TwilioService canonicalized recipient", "original", chatID, "canonical", canonical)
	}
	return canonical, nil
}
