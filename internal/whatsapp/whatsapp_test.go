package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestSessionDSN(t *testing.T) {
	got := SessionDSN("/var/lib/flowpipe/sessions", "sales")
	want := "file:/var/lib/flowpipe/sessions/sales.db?_foreign_keys=on"
	if got != want {
		t.Errorf("SessionDSN = %q, want %q", got, want)
	}
}

func TestOptions(t *testing.T) {
	opts := &Opts{}
	WithDBDSN("file:/tmp/test.db")(opts)
	WithQRCodeOutput("/tmp/qr.txt")(opts)
	WithNumericCode()(opts)
	WithoutLogin()(opts)

	if opts.DBDSN != "file:/tmp/test.db" || opts.QRPath != "/tmp/qr.txt" || !opts.NumericCode || !opts.NoLogin {
		t.Errorf("options not applied: %+v", opts)
	}
}

func TestNewClientRequiresDSN(t *testing.T) {
	if _, err := NewClient(context.Background()); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestEnsureSessionDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "sessions")
	if err := ensureSessionDir(SessionDSN(dir, "a")); err != nil {
		t.Fatalf("ensureSessionDir failed: %v", err)
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		t.Errorf("expected directory %s to exist", dir)
	}
}

func TestToInbound(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("15551234567", JIDSuffix),
				Sender: types.NewJID("15551234567", JIDSuffix),
			},
			ID:        "ABC",
			PushName:  "Ann",
			Timestamp: ts,
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hello")}},
	}
	msg, ok := ToInbound(evt)
	if !ok {
		t.Fatal("expected message to convert")
	}
	if msg.SenderID != "15551234567" || msg.ChatID != "15551234567" || msg.Text != "hello" || msg.MessageID != "ABC" {
		t.Errorf("unexpected message %+v", msg)
	}
	if !msg.IsPrivate || msg.HasMedia || msg.SenderName != "Ann" || !msg.Date.Equal(ts) {
		t.Errorf("unexpected flags %+v", msg)
	}

	evt.Info.IsGroup = true
	evt.Message = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}}
	msg, _ = ToInbound(evt)
	if msg.IsPrivate || !msg.HasMedia || msg.Text != "pic" {
		t.Errorf("unexpected group media message %+v", msg)
	}

	evt.Info.IsFromMe = true
	if _, ok := ToInbound(evt); ok {
		t.Error("own messages must be skipped")
	}
}

func TestBuildMediaMessage(t *testing.T) {
	up := whatsmeow.UploadResponse{URL: "https://mmg", DirectPath: "/d", FileLength: 10}

	img := BuildMediaMessage(models.Media{Kind: models.MediaImage, Caption: "c"}, up, "image/png", "a.png")
	if img.GetImageMessage().GetCaption() != "c" || img.GetImageMessage().GetFileLength() != 10 {
		t.Errorf("unexpected image message %+v", img)
	}

	voice := BuildMediaMessage(models.Media{Kind: models.MediaAudio, VoiceNote: true}, up, "audio/ogg", "a.ogg")
	if !voice.GetAudioMessage().GetPTT() {
		t.Error("voice note should set PTT")
	}

	doc := BuildMediaMessage(models.Media{Kind: models.MediaImage, ForceDocument: true}, up, "image/png", "a.png")
	if doc.GetDocumentMessage().GetFileName() != "a.png" {
		t.Errorf("forced document should carry file name, got %+v", doc)
	}
}

func TestLoadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := &Client{http: srv.Client()}
	data, name, err := c.loadMedia(context.Background(), models.Media{Kind: models.MediaFile, URL: srv.URL + "/files/report.pdf"})
	if err != nil || string(data) != "payload" || name != "report.pdf" {
		t.Errorf("loadMedia url = %q, %q, %v", data, name, err)
	}
	if _, _, err := c.loadMedia(context.Background(), models.Media{Kind: models.MediaImage, URL: srv.URL + "/missing.png"}); err == nil {
		t.Error("expected error for 404")
	}

	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("local"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, name, err = c.loadMedia(context.Background(), models.Media{Kind: models.MediaFile, FilePath: path})
	if err != nil || string(data) != "local" || name != "note.txt" {
		t.Errorf("loadMedia file = %q, %q, %v", data, name, err)
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	var got []models.InboundMessage
	remove := m.OnMessage(func(msg models.InboundMessage) { got = append(got, msg) })

	m.Deliver(models.InboundMessage{Text: "a"})
	remove()
	m.Deliver(models.InboundMessage{Text: "b"})
	if len(got) != 1 || got[0].Text != "a" {
		t.Errorf("unexpected deliveries %+v", got)
	}

	if err := m.SendMedia(context.Background(), "1", models.Media{Kind: models.MediaFile}); !errors.Is(err, models.ErrMissingMediaSource) {
		t.Errorf("expected ErrMissingMediaSource, got %v", err)
	}
	if err := m.SendText(context.Background(), "1", "hi"); err != nil || len(m.Sent()) != 1 {
		t.Errorf("SendText failed: %v", err)
	}
}
