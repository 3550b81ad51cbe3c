package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebindDollar rewrites ? placeholders to $1, $2, ... for PostgreSQL.
// Queries in this package never contain literal question marks.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodePayload(p models.Payload) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode step payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(raw sql.NullString) (models.Payload, error) {
	if !raw.Valid || raw.String == "" {
		return models.Payload{}, nil
	}
	var p models.Payload
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, fmt.Errorf("failed to decode step payload: %w", err)
	}
	if p == nil {
		p = models.Payload{}
	}
	return p, nil
}

func encodeContext(c map[string]string) (string, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation context: %w", err)
	}
	return string(data), nil
}

func decodeContext(raw string) (map[string]string, error) {
	ctx := map[string]string{}
	if raw == "" {
		return ctx, nil
	}
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return nil, fmt.Errorf("failed to decode conversation context: %w", err)
	}
	return ctx, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, name, transport, bot_token, session_name, twilio_account_sid,
	twilio_auth_token, twilio_from_number, webhook_url, status, last_seen, created_at`

func scanAccount(row rowScanner) (models.Account, error) {
	var a models.Account
	var botToken, session, sid, token, from, webhook sql.NullString
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.Transport, &botToken, &session, &sid,
		&token, &from, &webhook, &a.Status, &lastSeen, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.BotToken = botToken.String
	a.SessionName = session.String
	a.TwilioAccountSID = sid.String
	a.TwilioAuthToken = token.String
	a.TwilioFromNumber = from.String
	a.WebhookURL = webhook.String
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeen = &t
	}
	return a, nil
}

const flowColumns = `id, account_id, name, trigger_type, trigger_content, is_active, created_at, updated_at`

func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	var content sql.NullString
	err := row.Scan(&f.ID, &f.AccountID, &f.Name, &f.TriggerType, &content, &f.IsActive, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	f.TriggerContent = content.String
	return f, nil
}

const stepColumns = `id, flow_id, step_order, step_type, payload`

func scanStep(row rowScanner) (models.Step, error) {
	var s models.Step
	var payload sql.NullString
	if err := row.Scan(&s.ID, &s.FlowID, &s.Order, &s.Type, &payload); err != nil {
		return s, err
	}
	p, err := decodePayload(payload)
	if err != nil {
		return s, err
	}
	s.Payload = p
	return s, nil
}

const conversationColumns = `id, account_id, sender_id, flow_id, current_step_order, state, context, created_at, updated_at`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var rawContext string
	err := row.Scan(&c.ID, &c.AccountID, &c.SenderID, &c.FlowID, &c.CurrentStepOrder, &c.State,
		&rawContext, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	ctx, err := decodeContext(rawContext)
	if err != nil {
		return c, err
	}
	c.Context = ctx
	return c, nil
}
