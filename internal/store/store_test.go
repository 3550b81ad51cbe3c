package store

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "flowpipe.db")))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance reachable through DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(WithPostgresDSN(connStr))
		if err != nil {
			t.Skipf("Postgres not available: %v", err)
		}
		for _, table := range []string{"flow_steps", "conversations", "flows", "inbound_dedup", "accounts"} {
			if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
				t.Fatalf("failed to clean %s: %v", table, err)
			}
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "nested", "state.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	acc := mustCreateAccount(t, s1)
	flow := mustCreateFlow(t, s1, acc.ID, "f", models.TriggerFirstMessage)
	conv, err := s1.CreateConversation(ctx, acc.ID, "u1", flow.ID)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	upd := models.ConversationUpdate{CurrentStepOrder: 2, State: models.StateWaitingInput, Context: map[string]string{"name": "Alice"}}
	if err := s1.UpdateConversation(ctx, conv.ID, upd); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.FindActiveConversation(ctx, acc.ID, "u1")
	if err != nil || got == nil {
		t.Fatalf("expected conversation after reopen, got %v, %v", got, err)
	}
	if got.State != models.StateWaitingInput || got.CurrentStepOrder != 2 || got.Context["name"] != "Alice" {
		t.Errorf("conversation not restored: %+v", got)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected in-memory store without DSN, got %T", s)
	}

	s, err = New(WithSQLiteDSN(filepath.Join(t.TempDir(), "x.db")))
	if err != nil {
		t.Fatalf("New sqlite failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected SQLite store, got %T", s)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":         "postgres",
		"postgresql://localhost/db":           "postgres",
		"host=localhost dbname=flowpipe":      "postgres",
		"/var/lib/flowpipe/flowpipe.db":       "sqlite",
		"file:/tmp/x.db?_foreign_keys=on":     "sqlite",
		"":                                    "sqlite",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`
	if got != want {
		t.Errorf("rebindDollar = %q, want %q", got, want)
	}
}

func TestSQLitePath(t *testing.T) {
	if got := sqlitePath("file:/tmp/a.db?_foreign_keys=on"); got != "/tmp/a.db" {
		t.Errorf("sqlitePath = %q", got)
	}
	if got := sqlitePath("/tmp/b.db"); got != "/tmp/b.db" {
		t.Errorf("sqlitePath = %q", got)
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("Flows", func(t *testing.T) { testFlows(t, newStore(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, newStore(t)) })
	t.Run("Dedup", func(t *testing.T) { testDedup(t, newStore(t)) })
	t.Run("DeleteCascade", func(t *testing.T) { testDeleteCascade(t, newStore(t)) })
}

func mustCreateAccount(t *testing.T, s Store) models.Account {
	t.Helper()
	acc, err := s.CreateAccount(context.Background(), models.Account{
		Name: "support", Transport: models.TransportTelegram, BotToken: "123:abc",
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func mustCreateFlow(t *testing.T, s Store, accountID, name string, trigger models.TriggerType) models.Flow {
	t.Helper()
	f, err := s.CreateFlow(context.Background(), models.Flow{
		AccountID:   accountID,
		Name:        name,
		TriggerType: trigger,
		IsActive:    true,
		Steps: []models.Step{
			{Order: 3, Type: models.StepSendText, Payload: models.Payload{"text": "bye"}},
			{Order: 1, Type: models.StepSendText, Payload: models.Payload{"text": "hi"}},
			{Order: 2, Type: models.StepWaitMessage, Payload: models.Payload{"variable": "name"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	return f
}

func testAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	acc := mustCreateAccount(t, s)
	if acc.ID == "" || acc.Status != models.AccountDisconnected {
		t.Fatalf("unexpected created account: %+v", acc)
	}

	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.BotToken != "123:abc" || got.Transport != models.TransportTelegram || got.LastSeen != nil {
		t.Errorf("unexpected account: %+v", got)
	}

	seen := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateAccountStatus(ctx, acc.ID, models.AccountConnected, &seen); err != nil {
		t.Fatalf("UpdateAccountStatus failed: %v", err)
	}
	got, _ = s.GetAccount(ctx, acc.ID)
	if got.Status != models.AccountConnected || got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("status not updated: %+v", got)
	}

	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, models.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if err := s.UpdateAccountStatus(ctx, "missing", models.AccountBanned, nil); !errors.Is(err, models.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil || len(accounts) != 1 {
		t.Fatalf("ListAccounts = %v, %v", accounts, err)
	}
}

func testFlows(t *testing.T, s Store) {
	ctx := context.Background()
	acc := mustCreateAccount(t, s)
	other := mustCreateAccount(t, s)

	first := mustCreateFlow(t, s, acc.ID, "first", models.TriggerKeyword)
	second := mustCreateFlow(t, s, acc.ID, "second", models.TriggerFirstMessage)
	third := mustCreateFlow(t, s, acc.ID, "third", models.TriggerManual)
	mustCreateFlow(t, s, other.ID, "elsewhere", models.TriggerFirstMessage)

	got, err := s.GetFlow(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(got.Steps))
	}
	for i, st := range got.Steps {
		if st.Order != i+1 {
			t.Errorf("steps not ordered: %+v", got.Steps)
		}
	}
	if got.Steps[0].Payload.String("text") != "hi" {
		t.Errorf("payload not round-tripped: %+v", got.Steps[0].Payload)
	}

	if err := s.SetFlowActive(ctx, second.ID, false); err != nil {
		t.Fatalf("SetFlowActive failed: %v", err)
	}
	active, err := s.ListActiveFlows(ctx, acc.ID)
	if err != nil {
		t.Fatalf("ListActiveFlows failed: %v", err)
	}
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != third.ID {
		t.Errorf("active flows not in creation order: %+v", active)
	}

	all, err := s.ListFlows(ctx, "")
	if err != nil || len(all) != 4 {
		t.Errorf("ListFlows(all) = %d, %v", len(all), err)
	}
	mine, err := s.ListFlows(ctx, acc.ID)
	if err != nil || len(mine) != 3 {
		t.Errorf("ListFlows(account) = %d, %v", len(mine), err)
	}

	step, err := s.GetStep(ctx, first.ID, 2)
	if err != nil || step == nil || step.Type != models.StepWaitMessage || step.Payload.String("variable") != "name" {
		t.Errorf("GetStep(2) = %+v, %v", step, err)
	}
	step, err = s.GetStep(ctx, first.ID, 4)
	if err != nil || step != nil {
		t.Errorf("GetStep past end = %+v, %v; want nil, nil", step, err)
	}

	if _, err := s.GetFlow(ctx, "missing"); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
	if err := s.SetFlowActive(ctx, "missing", true); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
	_, err = s.CreateFlow(ctx, models.Flow{AccountID: "nope", Name: "x", TriggerType: models.TriggerManual})
	if !errors.Is(err, models.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound for unknown account, got %v", err)
	}

	if err := s.DeleteFlow(ctx, first.ID); err != nil {
		t.Fatalf("DeleteFlow failed: %v", err)
	}
	if step, _ := s.GetStep(ctx, first.ID, 1); step != nil {
		t.Error("steps should be deleted with the flow")
	}
	if err := s.DeleteFlow(ctx, first.ID); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound on second delete, got %v", err)
	}
}

func testConversations(t *testing.T, s Store) {
	ctx := context.Background()
	acc := mustCreateAccount(t, s)
	f1 := mustCreateFlow(t, s, acc.ID, "f1", models.TriggerFirstMessage)
	f2 := mustCreateFlow(t, s, acc.ID, "f2", models.TriggerKeyword)

	if c, err := s.FindActiveConversation(ctx, acc.ID, "u1"); err != nil || c != nil {
		t.Fatalf("expected no conversation, got %+v, %v", c, err)
	}

	c1, err := s.CreateConversation(ctx, acc.ID, "u1", f1.ID)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if c1.CurrentStepOrder != 1 || c1.State != models.StateRunning || len(c1.Context) != 0 {
		t.Errorf("unexpected new conversation: %+v", c1)
	}
	time.Sleep(2 * time.Millisecond)
	c2, err := s.CreateConversation(ctx, acc.ID, "u1", f2.ID)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := s.FindActiveConversation(ctx, acc.ID, "u1")
	if err != nil || got == nil || got.ID != c2.ID {
		t.Fatalf("expected most recent conversation %s, got %+v, %v", c2.ID, got, err)
	}

	got, err = s.FindConversation(ctx, acc.ID, "u1", f1.ID)
	if err != nil || got == nil || got.ID != c1.ID {
		t.Fatalf("FindConversation = %+v, %v", got, err)
	}

	err = s.UpdateConversation(ctx, c2.ID, models.ConversationUpdate{
		CurrentStepOrder: 4, State: models.StateCompleted, Context: map[string]string{"name": "Alice"},
	})
	if err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}
	got, _ = s.FindActiveConversation(ctx, acc.ID, "u1")
	if got == nil || got.ID != c1.ID {
		t.Errorf("completed conversation must be skipped, got %+v", got)
	}
	if got, _ := s.FindConversation(ctx, acc.ID, "u1", f2.ID); got != nil {
		t.Errorf("completed conversation must not be found, got %+v", got)
	}

	all, err := s.ListConversations(ctx, acc.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListConversations = %d, %v", len(all), err)
	}
	var completed models.Conversation
	for _, c := range all {
		if c.ID == c2.ID {
			completed = c
		}
	}
	if completed.Context["name"] != "Alice" || completed.CurrentStepOrder != 4 {
		t.Errorf("update not persisted: %+v", completed)
	}

	err = s.UpdateConversation(ctx, "missing", models.ConversationUpdate{State: models.StateRunning})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDedup(t *testing.T, s Store) {
	ctx := context.Background()
	isNew, err := s.RecordInbound(ctx, "acc", "m1", "u1")
	if err != nil || !isNew {
		t.Fatalf("first RecordInbound = %v, %v", isNew, err)
	}
	isNew, err = s.RecordInbound(ctx, "acc", "m1", "u1")
	if err != nil || isNew {
		t.Fatalf("duplicate RecordInbound = %v, %v", isNew, err)
	}
	isNew, err = s.RecordInbound(ctx, "other", "m1", "u1")
	if err != nil || !isNew {
		t.Fatalf("same id on another account should be new, got %v, %v", isNew, err)
	}
	if err := s.MarkProcessed(ctx, "acc", "m1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if err := s.ForgetInbound(ctx, "acc", "m1"); err != nil {
		t.Fatalf("ForgetInbound failed: %v", err)
	}
	if isNew, _ := s.RecordInbound(ctx, "acc", "m1", "u1"); isNew {
		t.Error("a processed message must stay recorded")
	}

	if err := s.ForgetInbound(ctx, "other", "m1"); err != nil {
		t.Fatalf("ForgetInbound failed: %v", err)
	}
	isNew, err = s.RecordInbound(ctx, "other", "m1", "u1")
	if err != nil || !isNew {
		t.Errorf("forgotten message should be new again, got %v, %v", isNew, err)
	}
}

func testDeleteCascade(t *testing.T, s Store) {
	ctx := context.Background()
	acc := mustCreateAccount(t, s)
	f := mustCreateFlow(t, s, acc.ID, "f", models.TriggerFirstMessage)
	if _, err := s.CreateConversation(ctx, acc.ID, "u1", f.ID); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := s.DeleteAccount(ctx, acc.ID); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if _, err := s.GetFlow(ctx, f.ID); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("flow should be deleted with account, got %v", err)
	}
	if c, _ := s.FindActiveConversation(ctx, acc.ID, "u1"); c != nil {
		t.Errorf("conversation should be deleted with account, got %+v", c)
	}
	if err := s.DeleteAccount(ctx, acc.ID); !errors.Is(err, models.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
