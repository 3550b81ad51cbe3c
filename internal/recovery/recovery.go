// Package recovery resumes work that a restart interrupted. Components
// register as Recoverable and are recovered per account when its worker starts.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called when an account's worker starts
	RecoverState(ctx context.Context, accountID string) error
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a recovery manager with the given components.
func NewManager(recoverables ...Recoverable) *Manager {
	return &Manager{recoverables: recoverables}
}

// Register adds a component that can be recovered
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll recovers every registered component. A failing component does
// not stop the others.
func (m *Manager) RecoverAll(ctx context.Context, accountID string) error {
	slog.Debug("Manager.RecoverAll: starting recovery", "account_id", accountID, "components", len(m.recoverables))

	errorCount := 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx, accountID); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "error", err,
				"account_id", accountID, "component", fmt.Sprintf("%T", r))
			errorCount++
		}
	}

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.recoverables))
	}
	return nil
}

// ConversationLister lists the conversations of an account.
type ConversationLister interface {
	ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error)
}

// Resumer advances a stored conversation without new input and performs the
// resulting actions.
type Resumer interface {
	ResumeConversation(ctx context.Context, conv models.Conversation) (models.ProcessResult, error)
}

// ConversationRecovery resumes conversations stored in the running state.
// Those exist only when the process stopped between creating a conversation
// and persisting its first halt, and they block first_message triggers for
// their sender until resumed.
type ConversationRecovery struct {
	store   ConversationLister
	resumer Resumer
}

// Compile-time check that ConversationRecovery implements Recoverable.
var _ Recoverable = (*ConversationRecovery)(nil)

// NewConversationRecovery creates a ConversationRecovery.
func NewConversationRecovery(st ConversationLister, resumer Resumer) *ConversationRecovery {
	return &ConversationRecovery{store: st, resumer: resumer}
}

// RecoverState resumes each running conversation of the account.
func (c *ConversationRecovery) RecoverState(ctx context.Context, accountID string) error {
	convs, err := c.store.ListConversations(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	resumed, failed := 0, 0
	for _, conv := range convs {
		if conv.State != models.StateRunning {
			continue
		}
		res, err := c.resumer.ResumeConversation(ctx, conv)
		if err != nil {
			slog.Error("ConversationRecovery.RecoverState: resume failed", "error", err,
				"conversation_id", conv.ID, "sender_id", conv.SenderID)
			failed++
			continue
		}
		resumed++
		slog.Info("ConversationRecovery.RecoverState: conversation resumed", "conversation_id", conv.ID,
			"state", res.Conversation.State, "actions", len(res.Actions))
	}

	if failed > 0 {
		return fmt.Errorf("failed to resume %d of %d running conversations", failed, resumed+failed)
	}
	return nil
}
