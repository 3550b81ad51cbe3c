package models

import (
	"errors"
	"fmt"
	"time"
)

// MediaKind is the kind of attachment a transport sends.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

var (
	ErrEmptyChatID       = errors.New("chat id cannot be empty")
	ErrInvalidMediaKind  = errors.New("invalid media kind")
	ErrNotMediaStep      = errors.New("step type does not send media")
	ErrUnsupportedSource = errors.New("media source not supported by transport")
)

// IsValidMediaKind checks if the given media kind is supported.
func IsValidMediaKind(k MediaKind) bool {
	switch k {
	case MediaImage, MediaAudio, MediaFile:
		return true
	default:
		return false
	}
}

// Media describes an attachment to send. Exactly one of URL or FilePath is used;
// URL wins when both are set.
type Media struct {
	Kind          MediaKind `json:"kind"`
	URL           string    `json:"url,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	Caption       string    `json:"caption,omitempty"`
	VoiceNote     bool      `json:"voice_note,omitempty"`
	ForceDocument bool      `json:"force_document,omitempty"`
}

// Validate checks the media description.
func (m Media) Validate() error {
	if !IsValidMediaKind(m.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidMediaKind, m.Kind)
	}
	if m.URL == "" && m.FilePath == "" {
		return ErrMissingMediaSource
	}
	return nil
}

// MediaFromAction converts a send_image/send_audio/send_file action into a Media value.
func MediaFromAction(a Action) (Media, error) {
	var kind MediaKind
	switch a.Type {
	case StepSendImage:
		kind = MediaImage
	case StepSendAudio:
		kind = MediaAudio
	case StepSendFile:
		kind = MediaFile
	default:
		return Media{}, fmt.Errorf("%w: %q", ErrNotMediaStep, a.Type)
	}
	m := Media{
		Kind:          kind,
		URL:           a.Payload.String("url"),
		FilePath:      a.Payload.String("file_path"),
		Caption:       a.Payload.String("caption"),
		VoiceNote:     a.Payload.Bool("voice_note"),
		ForceDocument: a.Payload.Bool("force_document"),
	}
	if err := m.Validate(); err != nil {
		return Media{}, err
	}
	return m, nil
}

// InboundMessage is a message received by an account's transport.
type InboundMessage struct {
	AccountID      string    `json:"account_id"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	ChatID         string    `json:"chat_id"`
	Text           string    `json:"text"`
	Date           time.Time `json:"date"`
	MessageID      string    `json:"message_id"`
	HasMedia       bool      `json:"has_media"`
	IsPrivate      bool      `json:"-"`
}

// WebhookPayload is the JSON body posted for messages no flow handled.
type WebhookPayload struct {
	AccountID      string `json:"account_id"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	SenderName     string `json:"sender_name"`
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	Date           string `json:"date"`
	MessageID      string `json:"message_id"`
	HasMedia       bool   `json:"has_media"`
}

// NewWebhookPayload builds the forwarding payload for an inbound message.
func NewWebhookPayload(msg InboundMessage) WebhookPayload {
	date := ""
	if !msg.Date.IsZero() {
		date = msg.Date.UTC().Format(time.RFC3339)
	}
	return WebhookPayload{
		AccountID:      msg.AccountID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		SenderName:     msg.SenderName,
		ChatID:         msg.ChatID,
		Text:           msg.Text,
		Date:           date,
		MessageID:      msg.MessageID,
		HasMedia:       msg.HasMedia,
	}
}
