package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and passed through bind.
type sqlStore struct {
	db   *sql.DB
	name string
	bind func(string) string
}

func (s *sqlStore) q(query string) string {
	if s.bind == nil {
		return query
	}
	return s.bind(query)
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + " Close invoked")
	return s.db.Close()
}

// --- accounts ---

func (s *sqlStore) CreateAccount(ctx context.Context, a models.Account) (models.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AccountDisconnected
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Name, a.Transport, nilIfEmpty(a.BotToken), nilIfEmpty(a.SessionName),
		nilIfEmpty(a.TwilioAccountSID), nilIfEmpty(a.TwilioAuthToken), nilIfEmpty(a.TwilioFromNumber),
		nilIfEmpty(a.WebhookURL), a.Status, a.LastSeen, a.CreatedAt)
	if err != nil {
		slog.Error(s.name+" CreateAccount failed", "error", err, "account_id", a.ID)
		return models.Account{}, fmt.Errorf("failed to insert account %s: %w", a.ID, err)
	}
	slog.Debug(s.name+" CreateAccount succeeded", "account_id", a.ID, "transport", a.Transport)
	return a, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, models.ErrAccountNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetAccount failed", "error", err, "account_id", id)
		return models.Account{}, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return a, nil
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		slog.Error(s.name+" ListAccounts query failed", "error", err)
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			slog.Error(s.name+" ListAccounts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account rows: %w", err)
	}
	slog.Debug(s.name+" ListAccounts succeeded", "count", len(accounts))
	return accounts, nil
}

func (s *sqlStore) UpdateAccountStatus(ctx context.Context, id string, status models.AccountStatus, lastSeen *time.Time) error {
	var res sql.Result
	var err error
	if lastSeen != nil {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE accounts SET status = ?, last_seen = ? WHERE id = ?`), status, lastSeen.UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE accounts SET status = ? WHERE id = ?`), status, id)
	}
	if err != nil {
		slog.Error(s.name+" UpdateAccountStatus failed", "error", err, "account_id", id)
		return fmt.Errorf("failed to update account %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAccountNotFound
	}
	slog.Debug(s.name+" UpdateAccountStatus succeeded", "account_id", id, "status", status)
	return nil
}

func (s *sqlStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM flow_steps WHERE flow_id IN (SELECT id FROM flows WHERE account_id = ?)`,
		`DELETE FROM conversations WHERE account_id = ?`,
		`DELETE FROM flows WHERE account_id = ?`,
		`DELETE FROM inbound_dedup WHERE account_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			slog.Error(s.name+" DeleteAccount cascade failed", "error", err, "account_id", id)
			return fmt.Errorf("failed to delete account %s dependents: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.name+" DeleteAccount failed", "error", err, "account_id", id)
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAccountNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account delete: %w", err)
	}
	slog.Debug(s.name+" DeleteAccount succeeded", "account_id", id)
	return nil
}

// --- flows ---

func (s *sqlStore) CreateFlow(ctx context.Context, f models.Flow) (models.Flow, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM accounts WHERE id = ?`), f.AccountID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Flow{}, models.ErrAccountNotFound
	}
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to check account %s: %w", f.AccountID, err)
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.AccountID, f.Name, f.TriggerType, nilIfEmpty(f.TriggerContent), f.IsActive, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" CreateFlow failed", "error", err, "flow_id", f.ID)
		return models.Flow{}, fmt.Errorf("failed to insert flow %s: %w", f.ID, err)
	}

	for i := range f.Steps {
		st := &f.Steps[i]
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.FlowID = f.ID
		payload, err := encodePayload(st.Payload)
		if err != nil {
			return models.Flow{}, err
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO flow_steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?)`),
			st.ID, st.FlowID, st.Order, st.Type, payload)
		if err != nil {
			slog.Error(s.name+" CreateFlow step insert failed", "error", err, "flow_id", f.ID, "order", st.Order)
			return models.Flow{}, fmt.Errorf("failed to insert step %d of flow %s: %w", st.Order, f.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Flow{}, fmt.Errorf("failed to commit flow %s: %w", f.ID, err)
	}
	sortSteps(f.Steps)
	slog.Debug(s.name+" CreateFlow succeeded", "flow_id", f.ID, "account_id", f.AccountID, "steps", len(f.Steps))
	return f, nil
}

func (s *sqlStore) GetFlow(ctx context.Context, id string) (models.Flow, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+flowColumns+` FROM flows WHERE id = ?`), id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Flow{}, models.ErrFlowNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetFlow failed", "error", err, "flow_id", id)
		return models.Flow{}, fmt.Errorf("failed to get flow %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+stepColumns+` FROM flow_steps WHERE flow_id = ? ORDER BY step_order ASC`), id)
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to query steps of flow %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return models.Flow{}, fmt.Errorf("failed to scan step row: %w", err)
		}
		f.Steps = append(f.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return models.Flow{}, fmt.Errorf("failed to iterate step rows: %w", err)
	}
	return f, nil
}

func (s *sqlStore) ListFlows(ctx context.Context, accountID string) ([]models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	return s.queryFlows(ctx, "ListFlows", s.q(query), args...)
}

func (s *sqlStore) ListActiveFlows(ctx context.Context, accountID string) ([]models.Flow, error) {
	return s.queryFlows(ctx, "ListActiveFlows",
		s.q(`SELECT `+flowColumns+` FROM flows WHERE account_id = ? AND is_active = ? ORDER BY created_at ASC, seq ASC`),
		accountID, true)
}

func (s *sqlStore) queryFlows(ctx context.Context, op, query string, args ...any) ([]models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error(s.name+" "+op+" query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error(s.name+" "+op+" scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug(s.name+" "+op+" succeeded", "count", len(flows))
	return flows, nil
}

func (s *sqlStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE flows SET is_active = ?, updated_at = ? WHERE id = ?`), active, time.Now().UTC(), id)
	if err != nil {
		slog.Error(s.name+" SetFlowActive failed", "error", err, "flow_id", id)
		return fmt.Errorf("failed to update flow %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrFlowNotFound
	}
	slog.Debug(s.name+" SetFlowActive succeeded", "flow_id", id, "active", active)
	return nil
}

func (s *sqlStore) DeleteFlow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM flow_steps WHERE flow_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete steps of flow %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE flow_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete conversations of flow %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM flows WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.name+" DeleteFlow failed", "error", err, "flow_id", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrFlowNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow delete: %w", err)
	}
	slog.Debug(s.name+" DeleteFlow succeeded", "flow_id", id)
	return nil
}

func (s *sqlStore) GetStep(ctx context.Context, flowID string, order int) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stepColumns+` FROM flow_steps WHERE flow_id = ? AND step_order = ?`), flowID, order)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetStep failed", "error", err, "flow_id", flowID, "order", order)
		return nil, fmt.Errorf("failed to get step %d of flow %s: %w", order, flowID, err)
	}
	return &st, nil
}

// --- conversations ---

func (s *sqlStore) CreateConversation(ctx context.Context, accountID, senderID, flowID string) (models.Conversation, error) {
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
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.AccountID, c.SenderID, c.FlowID, c.CurrentStepOrder, c.State, "{}", c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" CreateConversation failed", "error", err, "account_id", accountID, "sender_id", senderID, "flow_id", flowID)
		return models.Conversation{}, fmt.Errorf("failed to insert conversation: %w", err)
	}
	slog.Debug(s.name+" CreateConversation succeeded", "conversation_id", c.ID, "flow_id", flowID)
	return c, nil
}

func (s *sqlStore) UpdateConversation(ctx context.Context, id string, upd models.ConversationUpdate) error {
	raw, err := encodeContext(upd.Context)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE conversations SET current_step_order = ?, state = ?, context = ?, updated_at = ? WHERE id = ?`),
		upd.CurrentStepOrder, upd.State, raw, time.Now().UTC(), id)
	if err != nil {
		slog.Error(s.name+" UpdateConversation failed", "error", err, "conversation_id", id)
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	slog.Debug(s.name+" UpdateConversation succeeded", "conversation_id", id, "state", upd.State, "cursor", upd.CurrentStepOrder)
	return nil
}

func (s *sqlStore) FindActiveConversation(ctx context.Context, accountID, senderID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations
		WHERE account_id = ? AND sender_id = ? AND state <> ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`), accountID, senderID, models.StateCompleted)
	return s.findConversation(row, "FindActiveConversation")
}

func (s *sqlStore) FindConversation(ctx context.Context, accountID, senderID, flowID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations
		WHERE account_id = ? AND sender_id = ? AND flow_id = ? AND state <> ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`), accountID, senderID, flowID, models.StateCompleted)
	return s.findConversation(row, "FindConversation")
}

func (s *sqlStore) findConversation(row *sql.Row, op string) (*models.Conversation, error) {
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" "+op+" failed", "error", err)
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return convs, nil
}
