package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. Slices preserve insertion
// order, which is the creation order the flow matcher relies on.
type InMemoryStore struct {
	mu            sync.RWMutex
	accounts      []models.Account
	flows         []models.Flow
	conversations []models.Conversation
	dedup         map[string]DedupRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{dedup: make(map[string]DedupRecord)}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateAccount(_ context.Context, a models.Account) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AccountDisconnected
	}
	a.CreatedAt = time.Now().UTC()
	s.accounts = append(s.accounts, a)
	slog.Debug("InMemoryStore CreateAccount succeeded", "account_id", a.ID)
	return a, nil
}

func (s *InMemoryStore) GetAccount(_ context.Context, id string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return models.Account{}, models.ErrAccountNotFound
}

func (s *InMemoryStore) ListAccounts(_ context.Context) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.accounts), nil
}

func (s *InMemoryStore) UpdateAccountStatus(_ context.Context, id string, status models.AccountStatus, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			s.accounts[i].Status = status
			if lastSeen != nil {
				t := lastSeen.UTC()
				s.accounts[i].LastSeen = &t
			}
			return nil
		}
	}
	return models.ErrAccountNotFound
}

func (s *InMemoryStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.accounts, func(a models.Account) bool { return a.ID == id })
	if idx < 0 {
		return models.ErrAccountNotFound
	}
	s.accounts = slices.Delete(s.accounts, idx, idx+1)
	s.flows = slices.DeleteFunc(s.flows, func(f models.Flow) bool { return f.AccountID == id })
	s.conversations = slices.DeleteFunc(s.conversations, func(c models.Conversation) bool { return c.AccountID == id })
	for k, rec := range s.dedup {
		if rec.AccountID == id {
			delete(s.dedup, k)
		}
	}
	return nil
}

func (s *InMemoryStore) CreateFlow(_ context.Context, f models.Flow) (models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.ContainsFunc(s.accounts, func(a models.Account) bool { return a.ID == f.AccountID }) {
		return models.Flow{}, models.ErrAccountNotFound
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	f.Steps = slices.Clone(f.Steps)
	for i := range f.Steps {
		if f.Steps[i].ID == "" {
			f.Steps[i].ID = uuid.NewString()
		}
		f.Steps[i].FlowID = f.ID
		f.Steps[i].Payload = f.Steps[i].Payload.Clone()
	}
	sortSteps(f.Steps)
	s.flows = append(s.flows, f)
	slog.Debug("InMemoryStore CreateFlow succeeded", "flow_id", f.ID, "steps", len(f.Steps))
	return cloneFlow(f, true), nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, id string) (models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.ID == id {
			return cloneFlow(f, true), nil
		}
	}
	return models.Flow{}, models.ErrFlowNotFound
}

func (s *InMemoryStore) ListFlows(_ context.Context, accountID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if accountID == "" || f.AccountID == accountID {
			out = append(out, cloneFlow(f, false))
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListActiveFlows(_ context.Context, accountID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if f.AccountID == accountID && f.IsActive {
			out = append(out, cloneFlow(f, false))
		}
	}
	return out, nil
}

func (s *InMemoryStore) SetFlowActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.flows {
		if s.flows[i].ID == id {
			s.flows[i].IsActive = active
			s.flows[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return models.ErrFlowNotFound
}

func (s *InMemoryStore) DeleteFlow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.flows, func(f models.Flow) bool { return f.ID == id })
	if idx < 0 {
		return models.ErrFlowNotFound
	}
	s.flows = slices.Delete(s.flows, idx, idx+1)
	s.conversations = slices.DeleteFunc(s.conversations, func(c models.Conversation) bool { return c.FlowID == id })
	return nil
}

func (s *InMemoryStore) GetStep(_ context.Context, flowID string, order int) (*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.ID != flowID {
			continue
		}
		for _, st := range f.Steps {
			if st.Order == order {
				st.Payload = st.Payload.Clone()
				return &st, nil
			}
		}
		return nil, nil
	}
	return nil, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, accountID, senderID, flowID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c := models.Conversation{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		SenderID:         senderID,
		FlowID:           flowID,
		CurrentStepOrder: 1,
		State:            models.StateRunning,
		Context:          map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.conversations = append(s.conversations, c)
	return c.Clone(), nil
}

func (s *InMemoryStore) UpdateConversation(_ context.Context, id string, upd models.ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID != id {
			continue
		}
		c := &s.conversations[i]
		c.CurrentStepOrder = upd.CurrentStepOrder
		c.State = upd.State
		c.Context = make(map[string]string, len(upd.Context))
		for k, v := range upd.Context {
			c.Context[k] = v
		}
		c.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrNotFound
}

// FindActiveConversation scans newest first so the most recent live conversation wins.
func (s *InMemoryStore) FindActiveConversation(_ context.Context, accountID, senderID string) (*models.Conversation, error) {
	return s.findLast(func(c models.Conversation) bool {
		return c.AccountID == accountID && c.SenderID == senderID && c.IsAlive()
	}), nil
}

func (s *InMemoryStore) FindConversation(_ context.Context, accountID, senderID, flowID string) (*models.Conversation, error) {
	return s.findLast(func(c models.Conversation) bool {
		return c.AccountID == accountID && c.SenderID == senderID && c.FlowID == flowID && c.IsAlive()
	}), nil
}

func (s *InMemoryStore) findLast(match func(models.Conversation) bool) *models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.conversations) - 1; i >= 0; i-- {
		if match(s.conversations[i]) {
			c := s.conversations[i].Clone()
			return &c
		}
	}
	return nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, accountID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if accountID == "" || c.AccountID == accountID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, accountID, messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountID + "\x00" + messageID
	if _, ok := s.dedup[key]; ok {
		return false, nil
	}
	s.dedup[key] = DedupRecord{AccountID: accountID, MessageID: messageID, SenderID: senderID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, accountID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountID + "\x00" + messageID
	if rec, ok := s.dedup[key]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
		s.dedup[key] = rec
	}
	return nil
}

func (s *InMemoryStore) ForgetInbound(_ context.Context, accountID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountID + "\x00" + messageID
	if rec, ok := s.dedup[key]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, key)
	}
	return nil
}

func sortSteps(steps []models.Step) {
	slices.SortFunc(steps, func(a, b models.Step) int { return a.Order - b.Order })
}

func cloneFlow(f models.Flow, withSteps bool) models.Flow {
	out := f
	out.Steps = nil
	if withSteps {
		out.Steps = make([]models.Step, len(f.Steps))
		for i, st := range f.Steps {
			st.Payload = st.Payload.Clone()
			out.Steps[i] = st
		}
	}
	return out
}
