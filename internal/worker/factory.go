package worker

import (
	"context"
	"fmt"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/telegram"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// ServiceFactory builds the transport service of an account.
type ServiceFactory func(ctx context.Context, acc models.Account) (messaging.Service, error)

// NewServiceFactory returns the factory that connects real transports.
// WhatsApp device sessions are kept under sessionsDir.
func NewServiceFactory(sessionsDir string) ServiceFactory {
	return func(ctx context.Context, acc models.Account) (messaging.Service, error) {
		switch acc.Transport {
		case models.TransportTelegram:
			bot, err := telegram.NewClient(telegram.WithToken(acc.BotToken))
			if err != nil {
				return nil, err
			}
			return messaging.NewTelegramService(acc.ID, bot), nil

		case models.TransportWhatsApp:
			// Pairing needs an operator at a terminal; workers only reuse
			// sessions that were paired with `FlowPipe -pair-account`.
			client, err := whatsapp.NewClient(ctx,
				whatsapp.WithDBDSN(whatsapp.SessionDSN(sessionsDir, acc.SessionName)),
				whatsapp.WithoutLogin(),
			)
			if err != nil {
				return nil, err
			}
			return messaging.NewWhatsAppService(acc.ID, client), nil

		case models.TransportTwilio:
			client, err := twiliowhatsapp.NewClient(
				twiliowhatsapp.WithAccountSID(acc.TwilioAccountSID),
				twiliowhatsapp.WithAuthToken(acc.TwilioAuthToken),
				twiliowhatsapp.WithFromWhats(acc.TwilioFromNumber),
			)
			if err != nil {
				return nil, err
			}
			return messaging.NewTwilioService(acc.ID, acc.TwilioAuthToken, client), nil

		default:
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidTransport, acc.Transport)
		}
	}
}
