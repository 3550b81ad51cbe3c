package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// laneBufferSize bounds the queued work per sender before Enqueue blocks.
const laneBufferSize = 32

// Outcome describes how the dispatcher handled an inbound message.
type Outcome string

const (
	OutcomeResumed   Outcome = "resumed"
	OutcomeStarted   Outcome = "started"
	OutcomeForwarded Outcome = "forwarded"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// ErrDispatcherStopped is returned when work is submitted after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher routes the inbound messages of one account. Each sender gets a
// lane that handles that sender's work strictly in submission order, so two
// rapid messages cannot both observe "no active conversation" and start the
// same flow twice. Different senders run concurrently.
type Dispatcher struct {
	accountID string
	store     store.ConversationStore
	dedup     store.DedupRepo
	engine    *flow.Engine
	matcher   *flow.Matcher
	executor  *Executor
	forwarder Forwarder

	mu        sync.Mutex
	lanes     map[string]*lane
	stopped   bool
	wg        sync.WaitGroup
	consumers sync.WaitGroup
}

type lane struct {
	tasks   chan func()
	pending int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup drops inbound messages whose id was already recorded.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(d *Dispatcher) {
		d.dedup = repo
	}
}

// NewDispatcher creates the dispatcher for one account.
func NewDispatcher(accountID string, st store.ConversationStore, engine *flow.Engine, executor *Executor, forwarder Forwarder, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		accountID: accountID,
		store:     st,
		engine:    engine,
		matcher:   flow.NewMatcher(st),
		executor:  executor,
		forwarder: forwarder,
		lanes:     make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start consumes messages until the channel closes or ctx is done.
func (d *Dispatcher) Start(ctx context.Context, messages <-chan models.InboundMessage) {
	slog.Debug("Dispatcher.Start: consuming messages", "account_id", d.accountID)
	d.consumers.Add(1)
	go func() {
		defer d.consumers.Done()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("Dispatcher.Start: context done", "account_id", d.accountID)
				return
			case msg, ok := <-messages:
				if !ok {
					slog.Debug("Dispatcher.Start: messages channel closed", "account_id", d.accountID)
					return
				}
				if err := d.Enqueue(ctx, msg); err != nil {
					slog.Warn("Dispatcher.Start: message not enqueued", "error", err, "sender_id", msg.SenderID)
				}
			}
		}
	}()
}

// Stop waits for the Start loops to exit, then refuses new work and waits for
// queued work to finish. The message channel must be closed or the Start
// context cancelled before calling Stop.
func (d *Dispatcher) Stop() {
	d.consumers.Wait()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue schedules msg on its sender's lane.
func (d *Dispatcher) Enqueue(ctx context.Context, msg models.InboundMessage) error {
	return d.submit(msg.SenderID, func() {
		outcome, err := d.HandleMessage(ctx, msg)
		if err != nil {
			slog.Error("Dispatcher.Enqueue: message handling failed", "error", err,
				"account_id", d.accountID, "sender_id", msg.SenderID, "message_id", msg.MessageID)
			return
		}
		slog.Debug("Dispatcher.Enqueue: message handled", "sender_id", msg.SenderID, "outcome", outcome)
	})
}

// StartFlow starts flowID for a sender through the sender's lane and executes
// the resulting actions on chatID. It blocks until the flow halts.
func (d *Dispatcher) StartFlow(ctx context.Context, flowID, senderID, chatID string) (models.ProcessResult, error) {
	return d.runOnLane(ctx, senderID, func() (models.ProcessResult, error) {
		res, err := d.engine.StartFlow(ctx, d.accountID, senderID, flowID)
		if err == nil {
			d.execute(ctx, chatID, res.Actions)
		}
		return res, err
	})
}

// ResumeConversation advances a stored conversation without new input through
// its sender's lane. Actions go to the sender's private chat.
func (d *Dispatcher) ResumeConversation(ctx context.Context, conv models.Conversation) (models.ProcessResult, error) {
	return d.runOnLane(ctx, conv.SenderID, func() (models.ProcessResult, error) {
		res, err := d.engine.Process(ctx, conv, nil)
		if err == nil {
			d.execute(ctx, conv.SenderID, res.Actions)
		}
		return res, err
	})
}

// runOnLane runs fn on key's lane and waits for its result.
func (d *Dispatcher) runOnLane(ctx context.Context, key string, fn func() (models.ProcessResult, error)) (models.ProcessResult, error) {
	type result struct {
		res models.ProcessResult
		err error
	}
	done := make(chan result, 1)
	err := d.submit(key, func() {
		res, err := fn()
		done <- result{res, err}
	})
	if err != nil {
		return models.ProcessResult{}, err
	}
	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return models.ProcessResult{}, ctx.Err()
	}
}

// HandleMessage applies the dispatch priority to one message: resume a waiting
// conversation, else start a matching flow, else forward to the webhook.
// Callers must serialize calls per sender; Enqueue does that.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg models.InboundMessage) (outcome Outcome, err error) {
	if !msg.IsPrivate || msg.SenderID == "" {
		slog.Debug("Dispatcher.HandleMessage: ignoring non-private message", "chat_id", msg.ChatID)
		return OutcomeIgnored, nil
	}

	if d.dedup != nil && msg.MessageID != "" {
		isNew, recErr := d.dedup.RecordInbound(ctx, d.accountID, msg.MessageID, msg.SenderID)
		if recErr != nil {
			slog.Warn("Dispatcher.HandleMessage: dedup record failed, processing anyway", "error", recErr, "message_id", msg.MessageID)
		} else if !isNew {
			slog.Info("Dispatcher.HandleMessage: duplicate message dropped", "sender_id", msg.SenderID, "message_id", msg.MessageID)
			return OutcomeDuplicate, nil
		}
		defer d.settleInbound(ctx, msg.MessageID, &err)
	}

	conv, err := d.store.FindActiveConversation(ctx, d.accountID, msg.SenderID)
	if err != nil {
		return "", fmt.Errorf("%w: find active conversation: %w", flow.ErrPersistence, err)
	}
	if conv != nil && conv.State == models.StateWaitingInput {
		text := msg.Text
		res, err := d.engine.Process(ctx, *conv, &text)
		if err != nil {
			return "", err
		}
		d.execute(ctx, msg.ChatID, res.Actions)
		return OutcomeResumed, nil
	}

	matched, err := d.matcher.Match(ctx, d.accountID, msg.SenderID, msg.Text)
	if err != nil {
		return "", err
	}
	if matched != nil {
		res, err := d.engine.StartFlow(ctx, d.accountID, msg.SenderID, matched.ID)
		if err != nil {
			return "", err
		}
		d.execute(ctx, msg.ChatID, res.Actions)
		return OutcomeStarted, nil
	}

	if d.forwarder != nil {
		if err := d.forwarder.Forward(ctx, msg); err != nil {
			slog.Warn("Dispatcher.HandleMessage: webhook forward failed", "error", err, "sender_id", msg.SenderID)
		}
	}
	return OutcomeForwarded, nil
}

// settleInbound marks a handled message processed. A failed message is
// forgotten so the caller can redeliver it.
func (d *Dispatcher) settleInbound(ctx context.Context, messageID string, handleErr *error) {
	if *handleErr != nil {
		if err := d.dedup.ForgetInbound(ctx, d.accountID, messageID); err != nil {
			slog.Warn("Dispatcher.HandleMessage: forget inbound failed", "error", err, "message_id", messageID)
		}
		return
	}
	if err := d.dedup.MarkProcessed(ctx, d.accountID, messageID); err != nil {
		slog.Warn("Dispatcher.HandleMessage: mark processed failed", "error", err, "message_id", messageID)
	}
}

func (d *Dispatcher) execute(ctx context.Context, chatID string, actions []models.Action) {
	if len(actions) == 0 || d.executor == nil {
		return
	}
	if err := d.executor.Execute(ctx, chatID, actions); err != nil {
		slog.Error("Dispatcher.execute: some actions failed", "error", err, "account_id", d.accountID, "chat_id", chatID)
	}
}

func (d *Dispatcher) submit(key string, task func()) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{tasks: make(chan func(), laneBufferSize)}
		d.lanes[key] = l
		d.wg.Add(1)
		go d.runLane(key, l)
	}
	l.pending++
	d.mu.Unlock()

	l.tasks <- task
	return nil
}

// runLane executes a sender's tasks and retires once nothing is pending.
func (d *Dispatcher) runLane(key string, l *lane) {
	defer d.wg.Done()
	for task := range l.tasks {
		task()
		d.mu.Lock()
		l.pending--
		if l.pending == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}
