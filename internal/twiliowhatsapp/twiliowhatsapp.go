// Package twiliowhatsapp wraps the Twilio API for WhatsApp accounts in FlowPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix marks WhatsApp addresses in Twilio's From and To fields.
const WhatsAppPrefix = "whatsapp:"

// ErrInvalidWebhook is returned for webhook forms missing required fields.
var ErrInvalidWebhook = errors.New("invalid twilio webhook payload")

// TwilioWhatsAppSender is the Twilio surface the messaging layer depends on.
type TwilioWhatsAppSender interface {
	SendText(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, media models.Media) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number. The whatsapp: prefix is added when missing.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// Compile-time check that Client implements TwilioWhatsAppSender.
var _ TwilioWhatsAppSender = (*Client)(nil)

// NewClient creates a Twilio REST client for one sending number.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: Address(cfg.FromWhats)}, nil
}

// Address returns the number in Twilio's WhatsApp address form.
func Address(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return WhatsAppPrefix + number
}

// SendText sends a WhatsApp message using Twilio API
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return c.create(ctx, to, params)
}

// SendMedia sends an attachment by URL. Twilio fetches the media itself, so
// local file paths are not supported.
func (c *Client) SendMedia(ctx context.Context, to string, media models.Media) error {
	params, err := MediaParams(to, c.fromWhats, media)
	if err != nil {
		return err
	}
	return c.create(ctx, to, params)
}

// MediaParams builds the message request for an attachment.
func MediaParams(to, from string, media models.Media) (*twilioApi.CreateMessageParams, error) {
	if err := media.Validate(); err != nil {
		return nil, err
	}
	if media.URL == "" {
		return nil, fmt.Errorf("%w: twilio requires a media url, got file %q", models.ErrUnsupportedSource, media.FilePath)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(from)
	params.SetMediaUrl([]string{media.URL})
	if media.Caption != "" {
		params.SetBody(media.Caption)
	}
	return params, nil
}

func (c *Client) create(ctx context.Context, to string, params *twilioApi.CreateMessageParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Twilio message sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// ValidSignature checks the X-Twilio-Signature header of a webhook request.
func ValidSignature(authToken, fullURL string, form url.Values, signature string) bool {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	v := twilioClient.NewRequestValidator(authToken)
	return v.Validate(fullURL, params, signature)
}

// ParseWebhook converts an incoming-message webhook form. Twilio WhatsApp
// messages are always one-to-one, so they are reported as private.
func ParseWebhook(form url.Values) (models.InboundMessage, error) {
	from := strings.TrimPrefix(form.Get("From"), WhatsAppPrefix)
	from = strings.TrimPrefix(from, "+")
	if from == "" {
		return models.InboundMessage{}, fmt.Errorf("%w: missing From", ErrInvalidWebhook)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsMessageSid")
	}
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	return models.InboundMessage{
		SenderID:   from,
		SenderName: form.Get("ProfileName"),
		ChatID:     from,
		Text:       form.Get("Body"),
		Date:       time.Now().UTC(),
		MessageID:  sid,
		HasMedia:   numMedia > 0,
		IsPrivate:  true,
	}, nil
}

// SentMessage records one message sent through a MockClient.
type SentMessage struct {
	To    string
	Body  string
	Media *models.Media
}

// MockClient implements TwilioWhatsAppSender without calling Twilio (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
}

// Compile-time check that MockClient implements TwilioWhatsAppSender.
var _ TwilioWhatsAppSender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, media models.Media) error {
	if _, err := MediaParams(to, "whatsapp:+10000000000", media); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Media: &media})
	return nil
}
