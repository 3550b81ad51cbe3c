// Package flow implements the conversation state machine: trigger matching,
// step interpretation and the suspend/resume protocol that lets a flow span
// many inbound messages.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

var (
	// ErrPersistence wraps every store failure surfaced by the engine.
	ErrPersistence = errors.New("persistence error")
	// ErrUnknownStepType is returned in strict mode for unrecognized step types.
	ErrUnknownStepType = errors.New("unknown step type")
)

// Opts configures an Engine.
type Opts struct {
	StrictSteps bool
}

// Option configures an Engine.
type Option func(*Opts)

// WithStrictSteps makes unknown step types fatal instead of skipping them.
func WithStrictSteps(strict bool) Option {
	return func(o *Opts) {
		o.StrictSteps = strict
	}
}

// Engine runs conversations through their flows.
type Engine struct {
	store  store.ConversationStore
	strict bool
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(st store.ConversationStore, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{store: st, strict: cfg.StrictSteps}
}

// StartFlow creates a conversation for the sender at the first step and runs
// it until the first wait point or the end of the flow.
func (e *Engine) StartFlow(ctx context.Context, accountID, senderID, flowID string) (models.ProcessResult, error) {
	conv, err := e.store.CreateConversation(ctx, accountID, senderID, flowID)
	if err != nil {
		slog.Error("Engine.StartFlow: failed to create conversation", "error", err,
			"account_id", accountID, "sender_id", senderID, "flow_id", flowID)
		return models.ProcessResult{}, fmt.Errorf("%w: create conversation: %w", ErrPersistence, err)
	}
	slog.Info("Engine.StartFlow: conversation created", "conversation_id", conv.ID,
		"account_id", accountID, "sender_id", senderID, "flow_id", flowID)
	return e.Process(ctx, conv, nil)
}

// Process advances the conversation until it waits for input or completes.
// userMessage, when non-nil, is consumed only if the step at the cursor is a
// wait_message step; otherwise it is ignored for advancement.
//
// The input conversation is not modified; the result carries a new value.
// The store is written exactly once, after the loop halts. On any error no
// actions are returned and the stored conversation is left untouched.
// A completed conversation yields no actions and no write.
func (e *Engine) Process(ctx context.Context, conv models.Conversation, userMessage *string) (models.ProcessResult, error) {
	next := conv.Clone()
	if next.State == models.StateCompleted {
		slog.Debug("Engine.Process: conversation already completed", "conversation_id", conv.ID)
		return models.ProcessResult{Actions: []models.Action{}, Conversation: next}, nil
	}

	next.State = models.StateRunning
	pending := userMessage
	actions := []models.Action{}

	for {
		step, err := e.store.GetStep(ctx, next.FlowID, next.CurrentStepOrder)
		if err != nil {
			slog.Error("Engine.Process: failed to load step", "error", err,
				"conversation_id", conv.ID, "flow_id", next.FlowID, "order", next.CurrentStepOrder)
			return models.ProcessResult{}, fmt.Errorf("%w: get step %d of flow %s: %w",
				ErrPersistence, next.CurrentStepOrder, next.FlowID, err)
		}

		out := Interpret(step, pending)
		// The message belongs to the step at the cursor when Process was
		// called; later steps never see it.
		pending = nil
		if out.Unknown {
			if e.strict {
				slog.Error("Engine.Process: unknown step type", "conversation_id", conv.ID,
					"flow_id", next.FlowID, "order", next.CurrentStepOrder, "type", step.Type)
				return models.ProcessResult{}, fmt.Errorf("%w: %q at order %d of flow %s",
					ErrUnknownStepType, step.Type, next.CurrentStepOrder, next.FlowID)
			}
			slog.Warn("Engine.Process: skipping unknown step type", "conversation_id", conv.ID,
				"flow_id", next.FlowID, "order", next.CurrentStepOrder, "type", step.Type)
		}
		if out.Action != nil {
			actions = append(actions, *out.Action)
		}
		if out.Capture != nil {
			next.Context[out.Capture.Variable] = out.Capture.Value
		}
		if out.Halt {
			next.State = out.State
			break
		}
		next.CurrentStepOrder++
	}

	err := e.store.UpdateConversation(ctx, next.ID, models.ConversationUpdate{
		CurrentStepOrder: next.CurrentStepOrder,
		State:            next.State,
		Context:          next.Context,
	})
	if err != nil {
		slog.Error("Engine.Process: failed to persist conversation", "error", err, "conversation_id", conv.ID)
		return models.ProcessResult{}, fmt.Errorf("%w: update conversation %s: %w", ErrPersistence, conv.ID, err)
	}

	slog.Debug("Engine.Process: halted", "conversation_id", conv.ID, "state", next.State,
		"cursor", next.CurrentStepOrder, "actions", len(actions))
	return models.ProcessResult{Actions: actions, Conversation: next}, nil
}
