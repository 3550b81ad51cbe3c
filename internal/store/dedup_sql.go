package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time checks that both database stores implement DedupRepo.
var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (s *sqlStore) RecordInbound(ctx context.Context, accountID, messageID, senderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (account_id, message_id, sender_id, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, message_id) DO NOTHING`),
		accountID, messageID, nilIfEmpty(senderID), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, accountID, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE inbound_dedup SET processed_at = ? WHERE account_id = ? AND message_id = ?`),
		time.Now().UTC(), accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ForgetInbound(ctx context.Context, accountID, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM inbound_dedup WHERE account_id = ? AND message_id = ? AND processed_at IS NULL`),
		accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}
