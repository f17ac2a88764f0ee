package postgres

import "context"

// Truncate empties every table so integration tests start clean.
func Truncate(ctx context.Context, s *Store) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE users, tasks, submissions, withdrawals, balance_transactions, counters`)
	return err
}
