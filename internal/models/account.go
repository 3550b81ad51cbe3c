package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransportKind selects the chat network an account connects to.
type TransportKind string

const (
	TransportTelegram TransportKind = "telegram"
	TransportWhatsApp TransportKind = "whatsapp"
	TransportTwilio   TransportKind = "twilio"
)

// AccountStatus tracks the connectivity of an account.
type AccountStatus string

const (
	AccountConnected    AccountStatus = "connected"
	AccountDisconnected AccountStatus = "disconnected"
	AccountBanned       AccountStatus = "banned"
)

var (
	ErrEmptyAccountName      = errors.New("account name cannot be empty")
	ErrInvalidTransport      = errors.New("invalid transport")
	ErrInvalidAccountStatus  = errors.New("invalid account status")
	ErrMissingBotToken       = errors.New("telegram account requires bot_token")
	ErrMissingSessionName    = errors.New("whatsapp account requires session_name")
	ErrMissingTwilioSettings = errors.New("twilio account requires account_sid, auth_token and from_number")
)

// IsValidAccountStatus checks if the status is one of the known values.
func IsValidAccountStatus(s AccountStatus) bool {
	switch s {
	case AccountConnected, AccountDisconnected, AccountBanned:
		return true
	default:
		return false
	}
}

// Account is one chat identity that FlowPipe operates on behalf of.
type Account struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`
	// Telegram
	BotToken string `json:"bot_token,omitempty"`
	// WhatsApp (whatsmeow); names the device database under the sessions directory
	SessionName string `json:"session_name,omitempty"`
	// Twilio
	TwilioAccountSID string `json:"twilio_account_sid,omitempty"`
	TwilioAuthToken  string `json:"twilio_auth_token,omitempty"`
	TwilioFromNumber string `json:"twilio_from_number,omitempty"`

	WebhookURL string        `json:"webhook_url,omitempty"`
	Status     AccountStatus `json:"status"`
	LastSeen   *time.Time    `json:"last_seen,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Validate checks that the account has the credentials its transport needs.
func (a *Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrEmptyAccountName
	}
	if a.Status != "" && !IsValidAccountStatus(a.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidAccountStatus, a.Status)
	}
	switch a.Transport {
	case TransportTelegram:
		if a.BotToken == "" {
			return ErrMissingBotToken
		}
	case TransportWhatsApp:
		if a.SessionName == "" {
			return ErrMissingSessionName
		}
	case TransportTwilio:
		if a.TwilioAccountSID == "" || a.TwilioAuthToken == "" || a.TwilioFromNumber == "" {
			return ErrMissingTwilioSettings
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, a.Transport)
	}
	return nil
}

// Redacted returns a copy safe to return from the API.
func (a Account) Redacted() Account {
	if a.BotToken != "" {
		a.BotToken = "***"
	}
	if a.TwilioAuthToken != "" {
		a.TwilioAuthToken = "***"
	}
	return a
}
