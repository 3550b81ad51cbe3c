package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// mockFactory hands out MockServices and remembers them per account.
type mockFactory struct {
	mu       sync.Mutex
	services map[string]*messaging.MockService
	err      error
}

func (f *mockFactory) build(ctx context.Context, acc models.Account) (messaging.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.services == nil {
		f.services = make(map[string]*messaging.MockService)
	}
	svc := messaging.NewMockService(acc.Transport)
	f.services[acc.ID] = svc
	return svc, nil
}

func (f *mockFactory) service(id string) *messaging.MockService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[id]
}

func newAccount(t *testing.T, st store.Store, name string, status models.AccountStatus) models.Account {
	t.Helper()
	acc, err := st.CreateAccount(context.Background(), models.Account{Name: name, Transport: models.TransportTelegram, BotToken: "t", Status: status})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func TestStartStopWorker(t *testing.T) {
	st := store.NewInMemoryStore()
	acc := newAccount(t, st, "a", "")
	f := &mockFactory{}
	m := NewManager(st, f.build, WithHeartbeatInterval(0))
	ctx := context.Background()

	started, err := m.StartWorker(ctx, acc.ID)
	if err != nil || !started {
		t.Fatalf("StartWorker = %v, %v", started, err)
	}
	if again, _ := m.StartWorker(ctx, acc.ID); again {
		t.Error("second start should report false")
	}
	if m.Status(acc.ID) != StatusRunning {
		t.Errorf("expected running, got %s", m.Status(acc.ID))
	}
	if !f.service(acc.ID).Started() {
		t.Error("service should be started")
	}
	got, _ := st.GetAccount(ctx, acc.ID)
	if got.Status != models.AccountConnected || got.LastSeen == nil {
		t.Errorf("expected connected account with last_seen, got %+v", got)
	}
	if list := m.List(); len(list) != 1 || list[0].AccountID != acc.ID {
		t.Errorf("unexpected list %+v", list)
	}

	if !m.StopWorker(acc.ID) {
		t.Fatal("StopWorker should report a running worker")
	}
	if m.StopWorker(acc.ID) {
		t.Error("second stop should report false")
	}
	if m.Status(acc.ID) != StatusStopped {
		t.Errorf("expected stopped, got %s", m.Status(acc.ID))
	}
	got, _ = st.GetAccount(ctx, acc.ID)
	if got.Status != models.AccountDisconnected {
		t.Errorf("expected disconnected, got %s", got.Status)
	}
}

func TestWorkerRunsFlows(t *testing.T) {
	st := store.NewInMemoryStore()
	acc := newAccount(t, st, "a", "")
	ctx := context.Background()
	fl, err := st.CreateFlow(ctx, models.Flow{
		AccountID:      acc.ID,
		Name:           "ping",
		TriggerType:    models.TriggerKeyword,
		TriggerContent: "ping",
		IsActive:       true,
		Steps:          []models.Step{{Order: 1, Type: models.StepSendText, Payload: models.Payload{"text": "pong"}}},
	})
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	f := &mockFactory{}
	m := NewManager(st, f.build, WithHeartbeatInterval(0), WithSendRate(0))
	if _, err := m.StartWorker(ctx, acc.ID); err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer m.StopAll()

	f.service(acc.ID).Receive(models.InboundMessage{AccountID: acc.ID, SenderID: "1", ChatID: "1", Text: "ping", MessageID: "m1", IsPrivate: true})

	deadline := time.Now().Add(2 * time.Second)
	for len(f.service(acc.ID).Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := f.service(acc.ID).Sent()
	if len(sent) != 1 || sent[0].Text != "pong" {
		t.Fatalf("expected pong, got %+v", sent)
	}

	d, err := m.Dispatcher(acc.ID)
	if err != nil {
		t.Fatalf("Dispatcher failed: %v", err)
	}
	if _, err := d.StartFlow(ctx, fl.ID, "2", "2"); err != nil {
		t.Errorf("manual start failed: %v", err)
	}
}

func TestStartWorkerErrors(t *testing.T) {
	st := store.NewInMemoryStore()
	banned := newAccount(t, st, "b", models.AccountBanned)
	ok := newAccount(t, st, "o", "")
	ctx := context.Background()

	m := NewManager(st, (&mockFactory{}).build)
	if _, err := m.StartWorker(ctx, banned.ID); !errors.Is(err, ErrAccountBanned) {
		t.Errorf("expected ErrAccountBanned, got %v", err)
	}
	if _, err := m.StartWorker(ctx, "missing"); !errors.Is(err, models.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	boom := errors.New("bad token")
	failing := NewManager(st, (&mockFactory{err: boom}).build)
	if _, err := failing.StartWorker(ctx, ok.ID); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
	if failing.Status(ok.ID) != StatusStopped {
		t.Error("failed worker must not be registered")
	}
	if _, err := failing.Service(ok.ID); !errors.Is(err, ErrWorkerNotRunning) {
		t.Errorf("expected ErrWorkerNotRunning, got %v", err)
	}
}

func TestStartAllSkipsBanned(t *testing.T) {
	st := store.NewInMemoryStore()
	a := newAccount(t, st, "a", "")
	b := newAccount(t, st, "b", models.AccountBanned)
	c := newAccount(t, st, "c", models.AccountDisconnected)

	m := NewManager(st, (&mockFactory{}).build, WithHeartbeatInterval(0))
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if m.Status(a.ID) != StatusRunning || m.Status(c.ID) != StatusRunning || m.Status(b.ID) != StatusStopped {
		t.Errorf("unexpected statuses %+v", m.List())
	}
	m.StopAll()
	if len(m.List()) != 0 {
		t.Error("StopAll should stop every worker")
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	st := store.NewInMemoryStore()
	acc := newAccount(t, st, "a", "")
	m := NewManager(st, (&mockFactory{}).build, WithHeartbeatInterval(20*time.Millisecond))
	ctx := context.Background()
	if _, err := m.StartWorker(ctx, acc.ID); err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer m.StopWorker(acc.ID)

	first, _ := st.GetAccount(ctx, acc.ID)
	time.Sleep(100 * time.Millisecond)
	later, _ := st.GetAccount(ctx, acc.ID)
	if first.LastSeen == nil || later.LastSeen == nil || !later.LastSeen.After(*first.LastSeen) {
		t.Errorf("last_seen not refreshed: %v -> %v", first.LastSeen, later.LastSeen)
	}
}

func TestWorkerLockPreventsSecondOwner(t *testing.T) {
	st := store.NewInMemoryStore()
	acc := newAccount(t, st, "a", "")
	dir := t.TempDir()

	held, err := lockfile.Acquire(dir, acc.ID)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m := NewManager(st, (&mockFactory{}).build, WithLockDir(dir))
	_, err = m.StartWorker(context.Background(), acc.ID)
	var lockErr *lockfile.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}
	held.Release()

	if _, err := m.StartWorker(context.Background(), acc.ID); err != nil {
		t.Fatalf("StartWorker after release failed: %v", err)
	}
	m.StopAll()
}

func TestStartWorkerResumesInterruptedConversations(t *testing.T) {
	st := store.NewInMemoryStore()
	acc := newAccount(t, st, "a", "")
	ctx := context.Background()
	fl, err := st.CreateFlow(ctx, models.Flow{
		AccountID:   acc.ID,
		Name:        "welcome",
		TriggerType: models.TriggerFirstMessage,
		IsActive:    true,
		Steps: []models.Step{
			{Order: 1, Type: models.StepSendText, Payload: models.Payload{"text": "hi"}},
			{Order: 2, Type: models.StepWaitMessage},
		},
	})
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	// Created but never processed, as after a crash.
	conv, err := st.CreateConversation(ctx, acc.ID, "7", fl.ID)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	f := &mockFactory{}
	m := NewManager(st, f.build, WithHeartbeatInterval(0), WithSendRate(0))
	if _, err := m.StartWorker(ctx, acc.ID); err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer m.StopAll()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.service(acc.ID).Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := f.service(acc.ID).Sent()
	if len(sent) != 1 || sent[0].ChatID != "7" || sent[0].Text != "hi" {
		t.Fatalf("expected resumed greeting, got %+v", sent)
	}
	got, err := st.FindConversation(ctx, acc.ID, "7", fl.ID)
	if err != nil || got == nil || got.ID != conv.ID || got.State != models.StateWaitingInput {
		t.Errorf("expected conversation %s waiting for input, got %+v (err %v)", conv.ID, got, err)
	}
}
