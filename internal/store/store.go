// Package store provides storage backends for FlowPipe.
//
// It defines the persistence interfaces consumed by the flow engine, the
// dispatcher and the management API, plus an in-memory implementation used
// when no database DSN is configured and by tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNotFound is returned when an update or delete targets a missing row.
var ErrNotFound = errors.New("not found")

// ConversationStore is the persistence surface the flow engine depends on.
// Find* and GetStep return (nil, nil) when nothing matches.
type ConversationStore interface {
	// ListActiveFlows returns the account's active flows in creation order.
	// Steps are not populated.
	ListActiveFlows(ctx context.Context, accountID string) ([]models.Flow, error)
	// FindActiveConversation returns the most recently created non-completed
	// conversation for the sender.
	FindActiveConversation(ctx context.Context, accountID, senderID string) (*models.Conversation, error)
	// FindConversation returns the non-completed conversation for the sender in the flow.
	FindConversation(ctx context.Context, accountID, senderID, flowID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, accountID, senderID, flowID string) (models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd models.ConversationUpdate) error
	GetStep(ctx context.Context, flowID string, order int) (*models.Step, error)
}

// AccountRepo manages accounts.
type AccountRepo interface {
	CreateAccount(ctx context.Context, a models.Account) (models.Account, error)
	// GetAccount returns models.ErrAccountNotFound when the account does not exist.
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status models.AccountStatus, lastSeen *time.Time) error
	// DeleteAccount removes the account with its flows, steps and conversations.
	DeleteAccount(ctx context.Context, id string) error
}

// FlowRepo manages flow definitions and exposes conversations for inspection.
type FlowRepo interface {
	// CreateFlow stores the flow and its steps; the account must exist.
	CreateFlow(ctx context.Context, f models.Flow) (models.Flow, error)
	// GetFlow returns the flow with steps ordered by step order, or models.ErrFlowNotFound.
	GetFlow(ctx context.Context, id string) (models.Flow, error)
	// ListFlows lists flows in creation order; an empty accountID lists all accounts.
	ListFlows(ctx context.Context, accountID string) ([]models.Flow, error)
	SetFlowActive(ctx context.Context, id string, active bool) error
	// DeleteFlow removes the flow with its steps and conversations.
	DeleteFlow(ctx context.Context, id string) error
	ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error)
}

// Store is the full persistence surface of FlowPipe.
type Store interface {
	ConversationStore
	AccountRepo
	FlowRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for the database-backed stores.
type Opts struct {
	DSN string
	// Postgres marks the DSN as a PostgreSQL connection string.
	Postgres bool
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Postgres = false
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Postgres = true
	}
}

// New opens the backend selected by the options. Without a DSN an in-memory
// store is returned.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		return NewInMemoryStore(), nil
	case cfg.Postgres:
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
