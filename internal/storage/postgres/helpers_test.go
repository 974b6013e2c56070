package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes every row of the entity graph. Row-level append-only
// triggers do not fire on TRUNCATE. Exported so the postgres_test package can
// call it; defined in a _test file so it never ships.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.DB().ExecContext(ctx, "TRUNCATE TABLE "+truncateTables+" CASCADE")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
