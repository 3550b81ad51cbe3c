package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/telegram"
)

// TelegramService implements Service on top of a Telegram bot.
type TelegramService struct {
	inbox
	accountID string
	bot       telegram.Bot

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Compile-time check that TelegramService implements Service.
var _ Service = (*TelegramService)(nil)

// NewTelegramService creates a TelegramService for the account.
func NewTelegramService(accountID string, bot telegram.Bot) *TelegramService {
	return &TelegramService{
		inbox:     newInbox("TelegramService"),
		accountID: accountID,
		bot:       bot,
	}
}

func (s *TelegramService) Transport() models.TransportKind { return models.TransportTelegram }

// CanonicalizeChatID accepts numeric chat ids, including negative group ids.
func (s *TelegramService) CanonicalizeChatID(chatID string) (string, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return "", models.ErrEmptyChatID
	}
	if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return chatID, nil
}

// Start begins long polling in the background.
func (s *TelegramService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if s.isStopped() {
		return ErrServiceStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		err := s.bot.Listen(ctx, func(msg models.InboundMessage) {
			msg.AccountID = s.accountID
			s.emit(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("TelegramService polling ended with error", "error", err, "account_id", s.accountID)
		}
	}()
	slog.Debug("TelegramService started", "account_id", s.accountID)
	return nil
}

// Stop ends polling and closes the Messages channel.
func (s *TelegramService) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.bot.Close()
		<-done
	}
	if s.inbox.close() {
		slog.Info("TelegramService stopped", "account_id", s.accountID)
	}
	return nil
}

func (s *TelegramService) SendText(ctx context.Context, chatID string, text string) error {
	id, err := s.chatID(chatID)
	if err != nil {
		return err
	}
	return s.bot.SendText(ctx, id, text)
}

func (s *TelegramService) SendMedia(ctx context.Context, chatID string, media models.Media) error {
	id, err := s.chatID(chatID)
	if err != nil {
		return err
	}
	return s.bot.SendMedia(ctx, id, media)
}

func (s *TelegramService) chatID(chatID string) (int64, error) {
	if s.isStopped() {
		return 0, ErrServiceStopped
	}
	canonical, err := s.CanonicalizeChatID(chatID)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(canonical, 10, 64)
}
