package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Matcher selects the flow an inbound message starts.
type Matcher struct {
	store store.ConversationStore
}

// NewMatcher creates a Matcher backed by the given store.
func NewMatcher(st store.ConversationStore) *Matcher {
	return &Matcher{store: st}
}

// Match returns the first active flow of the account whose trigger fires for
// the message, or nil. Flows are evaluated in the store's creation order.
func (m *Matcher) Match(ctx context.Context, accountID, senderID, text string) (*models.Flow, error) {
	flows, err := m.store.ListActiveFlows(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: list active flows: %w", ErrPersistence, err)
	}

	hasLive := func(flowID string) (bool, error) {
		conv, err := m.store.FindConversation(ctx, accountID, senderID, flowID)
		if err != nil {
			return false, fmt.Errorf("%w: find conversation: %w", ErrPersistence, err)
		}
		return conv != nil, nil
	}

	flow, err := SelectFlow(flows, text, hasLive)
	if err != nil {
		return nil, err
	}
	if flow != nil {
		slog.Debug("Matcher.Match: flow matched", "account_id", accountID, "sender_id", senderID,
			"flow_id", flow.ID, "trigger", flow.TriggerType)
	}
	return flow, nil
}

// SelectFlow returns the first flow in the ordered list whose trigger fires.
// hasLive reports whether the sender already has a non-completed conversation
// in a flow; it is only consulted for first_message triggers.
func SelectFlow(flows []models.Flow, text string, hasLive func(flowID string) (bool, error)) (*models.Flow, error) {
	for i := range flows {
		f := &flows[i]
		switch f.TriggerType {
		case models.TriggerFirstMessage:
			live, err := hasLive(f.ID)
			if err != nil {
				return nil, err
			}
			if !live {
				return f, nil
			}
		case models.TriggerKeyword:
			if KeywordMatches(f.TriggerContent, text) {
				return f, nil
			}
		case models.TriggerManual:
			// only entered through an explicit start
		}
	}
	return nil, nil
}

// KeywordMatches reports whether keyword occurs in text, ignoring case.
// An empty keyword never matches.
func KeywordMatches(keyword, text string) bool {
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}
