package pg

import (
	"context"
	"time"
)

// Hit counts one request in the window and returns the new total.
func (s *Store) Hit(ctx context.Context, key string, windowStart time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limit_entries (key, window_start, count)
		values ($1, $2, 1)
		on conflict (key, window_start) do update
		set count = rate_limit_entries.count + 1
		returning count
	`, key, windowStart).Scan(&count)
	return count, err
}

// Prune deletes windows that started before before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from rate_limit_entries where window_start < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
