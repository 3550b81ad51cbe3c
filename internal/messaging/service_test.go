package messaging

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/telegram"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

func receive(t *testing.T, ch <-chan models.InboundMessage) models.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no inbound message received")
	}
	return models.InboundMessage{}
}

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalPhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("canonicalPhone(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTelegramService(t *testing.T) {
	bot := telegram.NewMockClient()
	svc := NewTelegramService("acc-1", bot)
	if svc.Transport() != models.TransportTelegram {
		t.Errorf("unexpected transport %s", svc.Transport())
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	bot.Push(models.InboundMessage{SenderID: "9", ChatID: "9", Text: "hi", IsPrivate: true})
	msg := receive(t, svc.Messages())
	if msg.AccountID != "acc-1" || msg.Text != "hi" {
		t.Errorf("unexpected inbound %+v", msg)
	}

	if err := svc.SendText(context.Background(), "-100123", "group hello"); err != nil {
		t.Errorf("SendText failed: %v", err)
	}
	if err := svc.SendText(context.Background(), "@name", "x"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
	if err := svc.SendMedia(context.Background(), "9", models.Media{Kind: models.MediaImage, URL: "https://x/a.png"}); err != nil {
		t.Errorf("SendMedia failed: %v", err)
	}
	sent := bot.Sent()
	if len(sent) != 2 || sent[0].ChatID != -100123 || sent[1].Media == nil {
		t.Errorf("unexpected sends %+v", sent)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := <-svc.Messages(); ok {
		t.Error("Messages channel should be closed after Stop")
	}
	if err := svc.SendText(context.Background(), "9", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestWhatsAppService(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService("acc-2", client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	go client.Deliver(models.InboundMessage{SenderID: "15551234567", Text: "yo", IsPrivate: true})
	msg := receive(t, svc.Messages())
	if msg.AccountID != "acc-2" || msg.Text != "yo" {
		t.Errorf("unexpected inbound %+v", msg)
	}

	if err := svc.SendText(context.Background(), "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].To != "15551234567" {
		t.Errorf("unexpected sends %+v", sent)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !client.Closed() {
		t.Error("client should be closed on Stop")
	}
}

func TestTwilioServiceWebhook(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService("acc-3", "", client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !svc.VerifySignature("https://x", url.Values{}, "") {
		t.Error("signature checks are disabled without an auth token")
	}

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}, "MessageSid": {"SM1"}}
	if err := svc.HandleWebhook(form); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	msg := receive(t, svc.Messages())
	if msg.AccountID != "acc-3" || msg.SenderID != "15551234567" || !msg.IsPrivate {
		t.Errorf("unexpected inbound %+v", msg)
	}

	err := svc.SendMedia(context.Background(), "15551234567", models.Media{Kind: models.MediaFile, FilePath: "/tmp/x.pdf"})
	if !errors.Is(err, models.ErrUnsupportedSource) {
		t.Errorf("expected ErrUnsupportedSource, got %v", err)
	}

	_ = svc.Stop()
	if err := svc.HandleWebhook(form); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}

	signed := NewTwilioService("acc-4", "secret", client)
	if signed.VerifySignature("https://x", form, "forged") {
		t.Error("forged signature accepted")
	}
}

func TestMockServiceStoppedSends(t *testing.T) {
	svc := NewMockService(models.TransportWhatsApp)
	_ = svc.Stop()
	if err := svc.SendText(context.Background(), "1", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	svc.Receive(models.InboundMessage{SenderID: "1"}) // dropped, must not panic
}
