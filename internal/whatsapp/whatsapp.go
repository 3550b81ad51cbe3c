// Package whatsapp wraps the Whatsmeow client for WhatsApp accounts in FlowPipe.
//
// Each account keeps its device session in its own database so several
// WhatsApp numbers can run side by side.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// MaxMediaSize caps the bytes read for one outbound attachment.
	MaxMediaSize = 64 << 20
	// DefaultMediaTimeout bounds downloading a media URL before upload.
	DefaultMediaTimeout = 60 * time.Second
)

// ErrNotLoggedIn is returned when the session needs pairing but interactive
// login was disabled.
var ErrNotLoggedIn = errors.New("whatsapp session is not paired")

// WhatsAppSender is the WhatsApp surface the messaging layer depends on.
type WhatsAppSender interface {
	SendText(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, media models.Media) error
	// OnMessage registers handle for inbound messages and returns a function
	// that unregisters it.
	OnMessage(handle func(models.InboundMessage)) (remove func())
	Close()
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw login code instead of a QR code
	NoLogin     bool   // fail instead of starting the pairing flow
	HTTPClient  *http.Client
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the login code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithoutLogin makes NewClient fail with ErrNotLoggedIn for unpaired sessions.
func WithoutLogin() Option {
	return func(o *Opts) {
		o.NoLogin = true
	}
}

// WithHTTPClient sets the client used to download media URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// SessionDSN returns the SQLite DSN of an account's session database.
func SessionDSN(sessionsDir, sessionName string) string {
	return "file:" + filepath.Join(sessionsDir, sessionName+".db") + "?_foreign_keys=on"
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	http     *http.Client
}

// Compile-time check that Client implements WhatsAppSender.
var _ WhatsAppSender = (*Client)(nil)

// NewClient opens the session database, pairs the device if needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp session database DSN must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultMediaTimeout}
	}

	dbDriver := "sqlite3"
	if store.DetectDSNType(cfg.DBDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		if err := ensureSessionDir(cfg.DBDSN); err != nil {
			return nil, err
		}
		if !strings.Contains(cfg.DBDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
				"dsn_example", "file:session.db?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if cfg.NoLogin {
			return nil, ErrNotLoggedIn
		}
		if err := pair(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient, http: cfg.HTTPClient}, nil
}

func pair(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == whatsmeow.QRChannelEventCode {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
		if evt.Error != nil {
			return fmt.Errorf("whatsapp pairing failed: %w", evt.Error)
		}
	}
	if waClient.Store.ID == nil {
		waClient.Disconnect()
		return ErrNotLoggedIn
	}
	return nil
}

func ensureSessionDir(dsn string) error {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if dir := filepath.Dir(p); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return nil
}

// SendText sends a text message to a phone number.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if to == "" {
		return models.ErrEmptyChatID
	}
	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "body_length", len(body))
	return nil
}

// SendMedia uploads the attachment and sends it as an image, audio or document message.
func (c *Client) SendMedia(ctx context.Context, to string, media models.Media) error {
	if to == "" {
		return models.ErrEmptyChatID
	}
	if err := media.Validate(); err != nil {
		return err
	}
	data, name, err := c.loadMedia(ctx, media)
	if err != nil {
		return err
	}
	mime := mimetype.Detect(data).String()

	mediaType := uploadType(media)
	up, err := c.waClient.Upload(ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", media.Kind, err)
	}
	msg := BuildMediaMessage(media, up, mime, name)
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		slog.Error("Failed to send WhatsApp media", "error", err, "to", to, "kind", media.Kind)
		return fmt.Errorf("failed to send %s to %s: %w", media.Kind, to, err)
	}
	slog.Debug("WhatsApp media sent", "to", to, "kind", media.Kind, "mime", mime, "size", len(data))
	return nil
}

func uploadType(media models.Media) whatsmeow.MediaType {
	switch {
	case media.ForceDocument:
		return whatsmeow.MediaDocument
	case media.Kind == models.MediaImage:
		return whatsmeow.MediaImage
	case media.Kind == models.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// BuildMediaMessage builds the message referencing an uploaded attachment.
func BuildMediaMessage(media models.Media, up whatsmeow.UploadResponse, mime, fileName string) *waE2E.Message {
	var caption *string
	if media.Caption != "" {
		caption = proto.String(media.Caption)
	}
	switch uploadType(media) {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			PTT:           proto.Bool(media.VoiceNote),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       caption,
			FileName:      proto.String(fileName),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// loadMedia reads the attachment bytes from its URL or local path.
func (c *Client) loadMedia(ctx context.Context, media models.Media) ([]byte, string, error) {
	if media.URL == "" {
		f, err := os.Open(media.FilePath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open media file: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, MaxMediaSize))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read media file: %w", err)
		}
		return data, filepath.Base(media.FilePath), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid media url: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("failed to download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaSize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media body: %w", err)
	}
	return data, path.Base(req.URL.Path), nil
}

// OnMessage registers handle for incoming messages not sent by this device.
func (c *Client) OnMessage(handle func(models.InboundMessage)) func() {
	id := c.waClient.AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			if msg, ok := ToInbound(v); ok {
				handle(msg)
			}
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() { c.waClient.RemoveEventHandler(id) })
	}
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	c.waClient.Disconnect()
}

// GetClient returns the underlying whatsmeow client.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// ToInbound converts a whatsmeow message event. It reports false for
// messages sent by this device.
func ToInbound(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.InboundMessage{}, false
	}
	m := evt.Message
	text := m.GetConversation()
	switch {
	case text != "":
	case m.GetExtendedTextMessage().GetText() != "":
		text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		text = m.GetImageMessage().GetCaption()
	case m.GetVideoMessage().GetCaption() != "":
		text = m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage().GetCaption() != "":
		text = m.GetDocumentMessage().GetCaption()
	}
	hasMedia := m.GetImageMessage() != nil || m.GetAudioMessage() != nil || m.GetVideoMessage() != nil ||
		m.GetDocumentMessage() != nil || m.GetStickerMessage() != nil

	return models.InboundMessage{
		SenderID:   evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		ChatID:     evt.Info.Chat.User,
		Text:       text,
		Date:       evt.Info.Timestamp.UTC(),
		MessageID:  evt.Info.ID,
		HasMedia:   hasMedia,
		IsPrivate:  !evt.Info.IsGroup,
	}, true
}
