// Package worker runs one message-processing worker per account.
//
// A worker owns the account's transport service, its dispatcher and a
// heartbeat that keeps the account's status and last_seen current.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/recovery"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Worker status values reported by Manager.Status.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendRate          = 5.0
	// statusUpdateTimeout bounds the status write made while stopping.
	statusUpdateTimeout = 5 * time.Second
)

var (
	// ErrWorkerNotRunning is returned when an operation needs a running worker.
	ErrWorkerNotRunning = errors.New("worker is not running")
	// ErrAccountBanned is returned when starting a worker for a banned account.
	ErrAccountBanned = errors.New("account is banned")
)

// Opts holds configuration options for the Manager.
type Opts struct {
	WebhookURL        string
	WebhookTimeout    time.Duration
	SendRate          float64
	HeartbeatInterval time.Duration
	StrictSteps       bool
	LockDir           string // empty disables per-account lock files
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithWebhookURL sets the default webhook for unhandled messages. An
// account's own webhook_url takes precedence.
func WithWebhookURL(url string, timeout time.Duration) Option {
	return func(o *Opts) {
		o.WebhookURL = url
		o.WebhookTimeout = timeout
	}
}

// WithSendRate limits outbound messages per account per second.
func WithSendRate(perSecond float64) Option {
	return func(o *Opts) { o.SendRate = perSecond }
}

// WithHeartbeatInterval sets how often a running worker refreshes last_seen.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Opts) { o.HeartbeatInterval = d }
}

// WithStrictSteps makes unknown step types fail conversations.
func WithStrictSteps(strict bool) Option {
	return func(o *Opts) { o.StrictSteps = strict }
}

// WithLockDir enables per-account lock files under dir.
func WithLockDir(dir string) Option {
	return func(o *Opts) { o.LockDir = dir }
}

// Manager starts, stops and tracks account workers.
type Manager struct {
	store   store.Store
	factory ServiceFactory
	cfg     Opts
	engine  *flow.Engine

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewManager creates a Manager.
func NewManager(st store.Store, factory ServiceFactory, opts ...Option) *Manager {
	cfg := Opts{
		WebhookTimeout:    messaging.DefaultWebhookTimeout,
		SendRate:          DefaultSendRate,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		store:   st,
		factory: factory,
		cfg:     cfg,
		engine:  flow.NewEngine(st, flow.WithStrictSteps(cfg.StrictSteps)),
		workers: make(map[string]*Worker),
	}
}

// StartWorker starts the account's worker. It reports false when the worker
// was already running. The worker outlives ctx's cancellation; stop it with
// StopWorker or StopAll.
func (m *Manager) StartWorker(ctx context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[accountID]; ok {
		return false, nil
	}

	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if acc.Status == models.AccountBanned {
		return false, fmt.Errorf("%w: %s", ErrAccountBanned, accountID)
	}

	w, err := m.startWorker(context.WithoutCancel(ctx), acc)
	if err != nil {
		slog.Error("Manager.StartWorker: failed", "error", err, "account_id", accountID)
		return false, err
	}
	m.workers[accountID] = w
	slog.Info("Manager.StartWorker: worker running", "account_id", accountID, "transport", acc.Transport)
	return true, nil
}

// StopWorker stops the account's worker and reports whether one was running.
func (m *Manager) StopWorker(accountID string) bool {
	m.mu.Lock()
	w, ok := m.workers[accountID]
	delete(m.workers, accountID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.stop(m.store)
	slog.Info("Manager.StopWorker: worker stopped", "account_id", accountID)
	return true
}

// Status returns "running" or "stopped".
func (m *Manager) Status(accountID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[accountID]; ok {
		return StatusRunning
	}
	return StatusStopped
}

// List returns the running workers ordered by account id.
func (m *Manager) List() []models.WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WorkerStatus, 0, len(m.workers))
	for id := range m.workers {
		out = append(out, models.WorkerStatus{AccountID: id, Status: StatusRunning})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// StartAll starts a worker for every account that is not banned. Failures are
// logged and joined; the remaining accounts are still started.
func (m *Manager) StartAll(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	var errs []error
	for _, acc := range accounts {
		if acc.Status == models.AccountBanned {
			slog.Info("Manager.StartAll: skipping banned account", "account_id", acc.ID)
			continue
		}
		if _, err := m.StartWorker(ctx, acc.ID); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running worker.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.stop(m.store)
		}(w)
	}
	wg.Wait()
	slog.Info("Manager.StopAll: all workers stopped", "count", len(workers))
}

// Service returns the transport service of a running worker.
func (m *Manager) Service(accountID string) (messaging.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotRunning, accountID)
	}
	return w.service, nil
}

// Dispatcher returns the dispatcher of a running worker.
func (m *Manager) Dispatcher(accountID string) (*messaging.Dispatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotRunning, accountID)
	}
	return w.dispatcher, nil
}

// Worker is one running account worker.
type Worker struct {
	account    models.Account
	service    messaging.Service
	dispatcher *messaging.Dispatcher
	lock       *lockfile.Lock
	cancel     context.CancelFunc
	heartbeat  chan struct{}
	recovered  chan struct{}
}

func (m *Manager) startWorker(ctx context.Context, acc models.Account) (_ *Worker, err error) {
	w := &Worker{account: acc}
	if m.cfg.LockDir != "" {
		if w.lock, err = lockfile.Acquire(m.cfg.LockDir, acc.ID); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = w.lock.Release()
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	svc, err := m.factory(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s service: %w", acc.Transport, err)
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()
		return nil, fmt.Errorf("failed to start %s service: %w", acc.Transport, err)
	}

	webhook := acc.WebhookURL
	if webhook == "" {
		webhook = m.cfg.WebhookURL
	}
	executor := messaging.NewExecutor(svc, messaging.WithSendRate(m.cfg.SendRate, 1))
	forwarder := messaging.NewWebhookForwarder(webhook, m.cfg.WebhookTimeout)
	w.dispatcher = messaging.NewDispatcher(acc.ID, m.store, m.engine, executor, forwarder, messaging.WithDedup(m.store))

	// Interrupted conversations resume before new messages are consumed;
	// inbound messages buffer in the service meanwhile.
	w.recovered = make(chan struct{})
	rec := recovery.NewManager(recovery.NewConversationRecovery(m.store, w.dispatcher))
	go func() {
		defer close(w.recovered)
		if err := rec.RecoverAll(ctx, acc.ID); err != nil {
			slog.Warn("Manager.startWorker: recovery incomplete", "error", err, "account_id", acc.ID)
		}
		w.dispatcher.Start(ctx, svc.Messages())
	}()

	w.service = svc
	w.cancel = cancel
	w.heartbeat = make(chan struct{})
	m.touch(ctx, acc.ID)
	go m.runHeartbeat(ctx, acc.ID, w.heartbeat)
	return w, nil
}

func (m *Manager) runHeartbeat(ctx context.Context, accountID string, done chan struct{}) {
	defer close(done)
	if m.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.touch(ctx, accountID)
		}
	}
}

// touch marks the account connected and refreshes last_seen.
func (m *Manager) touch(ctx context.Context, accountID string) {
	now := time.Now().UTC()
	if err := m.store.UpdateAccountStatus(ctx, accountID, models.AccountConnected, &now); err != nil {
		slog.Warn("Manager.heartbeat: status update failed", "error", err, "account_id", accountID)
	}
}

func (w *Worker) stop(st store.AccountRepo) {
	w.cancel()
	if err := w.service.Stop(); err != nil {
		slog.Warn("Worker.stop: service stop failed", "error", err, "account_id", w.account.ID)
	}
	<-w.recovered
	w.dispatcher.Stop()
	<-w.heartbeat

	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()
	now := time.Now().UTC()
	if err := st.UpdateAccountStatus(ctx, w.account.ID, models.AccountDisconnected, &now); err != nil {
		slog.Warn("Worker.stop: status update failed", "error", err, "account_id", w.account.ID)
	}
	if w.lock != nil {
		if err := w.lock.Release(); err != nil {
			slog.Warn("Worker.stop: lock release failed", "error", err, "account_id", w.account.ID)
		}
	}
}
