package flowfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const sample = `
flows:
  - account: support
    name: greeting
    trigger: {type: keyword, content: "${GREETING_WORD}"}
    steps:
      - {order: 1, type: send_text, payload: {text: "What is your name?"}}
      - {order: 2, type: wait_message, payload: {variable: name}}
      - {order: 3, type: wait_time, payload: {seconds: 1.5}}
      - {order: 4, type: send_image, payload: {url: "https://example.com/a.png", caption: hi}}
  - account: support
    name: welcome
    active: false
    trigger: {type: first_message}
    steps:
      - {type: send_text, payload: {text: welcome}}
      - {type: end}
`

func TestParse(t *testing.T) {
	t.Setenv("GREETING_WORD", "hi")
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(f.Flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(f.Flows))
	}
	greeting := f.Flows[0].Flow("acc")
	if greeting.TriggerContent != "hi" || !greeting.IsActive || len(greeting.Steps) != 4 {
		t.Errorf("unexpected greeting %+v", greeting)
	}
	if secs, ok := greeting.Steps[2].Payload.Float("seconds"); !ok || secs != 1.5 {
		t.Errorf("unexpected wait seconds %v", greeting.Steps[2].Payload)
	}
	welcome := f.Flows[1].Flow("acc")
	if welcome.IsActive || welcome.Steps[0].Order != 1 || welcome.Steps[1].Order != 2 {
		t.Errorf("unexpected welcome %+v", welcome)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("flows: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApply(t *testing.T) {
	t.Setenv("GREETING_WORD", "hi")
	ctx := context.Background()
	st := store.NewInMemoryStore()
	acc, err := st.CreateAccount(ctx, models.Account{Name: "support", Transport: models.TransportTelegram, BotToken: "t"})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "flows.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	n, err := f.Apply(ctx, st)
	if err != nil || n != 2 {
		t.Fatalf("Apply = %d, %v", n, err)
	}
	flows, _ := st.ListFlows(ctx, acc.ID)
	if len(flows) != 2 {
		t.Fatalf("expected 2 stored flows, got %d", len(flows))
	}

	n, err = f.Apply(ctx, st)
	if err != nil || n != 0 {
		t.Errorf("reapplying should create nothing, got %d, %v", n, err)
	}
}

func TestApplyReportsBadEntries(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	acc, _ := st.CreateAccount(ctx, models.Account{Name: "support", Transport: models.TransportTelegram, BotToken: "t"})

	f := &File{Flows: []FlowDef{
		{Account: "ghost", Name: "a", Trigger: TriggerDef{Type: models.TriggerFirstMessage}},
		{Name: "b", Trigger: TriggerDef{Type: models.TriggerFirstMessage}},
		{AccountID: acc.ID, Name: "c", Trigger: TriggerDef{Type: models.TriggerKeyword}},
		{AccountID: acc.ID, Name: "d", Trigger: TriggerDef{Type: models.TriggerManual}, Steps: []StepDef{{Type: models.StepEnd}}},
	}}
	n, err := f.Apply(ctx, st)
	if n != 1 {
		t.Errorf("expected one flow created, got %d", n)
	}
	for _, want := range []error{models.ErrAccountNotFound, ErrNoAccount, models.ErrEmptyKeyword} {
		if !errors.Is(err, want) {
			t.Errorf("expected joined error to contain %v, got %v", want, err)
		}
	}
}
