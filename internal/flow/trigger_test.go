package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestKeywordMatches(t *testing.T) {
	tests := []struct {
		keyword, text string
		want          bool
	}{
		{"price", "What is the PRICE?", true},
		{"PRICE", "price list please", true},
		{"Hola", "hola amigo", true},
		{"price", "cost", false},
		{"", "anything", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := KeywordMatches(tt.keyword, tt.text); got != tt.want {
			t.Errorf("KeywordMatches(%q, %q) = %v, want %v", tt.keyword, tt.text, got, tt.want)
		}
	}
}

func TestSelectFlowFirstMatchWins(t *testing.T) {
	flows := []models.Flow{
		{ID: "manual", TriggerType: models.TriggerManual},
		{ID: "empty-kw", TriggerType: models.TriggerKeyword, TriggerContent: ""},
		{ID: "kw-price", TriggerType: models.TriggerKeyword, TriggerContent: "price"},
		{ID: "kw-pr", TriggerType: models.TriggerKeyword, TriggerContent: "pr"},
		{ID: "greet", TriggerType: models.TriggerFirstMessage},
	}
	noLive := func(string) (bool, error) { return false, nil }

	got, err := SelectFlow(flows, "Price?", noLive)
	if err != nil || got == nil || got.ID != "kw-price" {
		t.Fatalf("expected kw-price, got %+v, %v", got, err)
	}

	got, _ = SelectFlow(flows, "hello", noLive)
	if got == nil || got.ID != "greet" {
		t.Fatalf("expected greet fallback, got %+v", got)
	}

	live := func(string) (bool, error) { return true, nil }
	got, _ = SelectFlow(flows, "hello", live)
	if got != nil {
		t.Fatalf("expected no match while greet is live, got %+v", got)
	}

	got, _ = SelectFlow(flows[:2], "", noLive)
	if got != nil {
		t.Errorf("manual and empty keyword flows must never match, got %+v", got)
	}
}

func TestSelectFlowPropagatesLookupError(t *testing.T) {
	flows := []models.Flow{{ID: "greet", TriggerType: models.TriggerFirstMessage}}
	boom := errors.New("boom")
	if _, err := SelectFlow(flows, "hi", func(string) (bool, error) { return false, boom }); !errors.Is(err, boom) {
		t.Errorf("expected lookup error, got %v", err)
	}
}

func TestMatcherFirstMessageRefiresAfterCompletion(t *testing.T) {
	st, acc := newRecordingStore(t)
	f := createFlow(t, st, acc, models.TriggerFirstMessage, "", text(1, "welcome"), waitMsg(2, "name"))
	matcher := NewMatcher(st)
	engine := NewEngine(st)
	ctx := context.Background()

	got, err := matcher.Match(ctx, acc, "u1", "hi")
	if err != nil || got == nil || got.ID != f.ID {
		t.Fatalf("expected first_message match, got %+v, %v", got, err)
	}

	res, err := engine.StartFlow(ctx, acc, "u1", f.ID)
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if got, _ := matcher.Match(ctx, acc, "u1", "hi again"); got != nil {
		t.Fatalf("first_message must not fire while a conversation is live, got %+v", got)
	}
	if got, _ := matcher.Match(ctx, acc, "u2", "hi"); got == nil {
		t.Fatal("other senders must still match")
	}

	if _, err := engine.Process(ctx, res.Conversation, strPtr("Alice")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	got, _ = matcher.Match(ctx, acc, "u1", "back")
	if got == nil || got.ID != f.ID {
		t.Errorf("first_message should fire again after completion, got %+v", got)
	}
}

func TestMatcherRespectsCreationOrderAndActivity(t *testing.T) {
	st, acc := newRecordingStore(t)
	kw := createFlow(t, st, acc, models.TriggerKeyword, "Order", text(1, "kw"))
	greet := createFlow(t, st, acc, models.TriggerFirstMessage, "", text(1, "hi"))
	matcher := NewMatcher(st)
	ctx := context.Background()

	got, _ := matcher.Match(ctx, acc, "u1", "my ORDER status")
	if got == nil || got.ID != kw.ID {
		t.Fatalf("earlier keyword flow should win, got %+v", got)
	}

	if err := st.SetFlowActive(ctx, kw.ID, false); err != nil {
		t.Fatalf("SetFlowActive failed: %v", err)
	}
	got, _ = matcher.Match(ctx, acc, "u1", "my ORDER status")
	if got == nil || got.ID != greet.ID {
		t.Errorf("inactive flows must be skipped, got %+v", got)
	}

	if got, _ := matcher.Match(ctx, "other-account", "u1", "order"); got != nil {
		t.Errorf("flows of other accounts must not match, got %+v", got)
	}
}

func TestMatcherSurfacesStoreErrors(t *testing.T) {
	st, acc := newRecordingStore(t)
	createFlow(t, st, acc, models.TriggerFirstMessage, "", text(1, "hi"))
	matcher := NewMatcher(st)

	st.failList = errors.New("down")
	if _, err := matcher.Match(context.Background(), acc, "u1", "hi"); !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
	st.failList = nil
	st.failFindConv = errors.New("down")
	if _, err := matcher.Match(context.Background(), acc, "u1", "hi"); !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}
