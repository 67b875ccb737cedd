package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the models table. It is exported so
// that the postgres_test package can reset state between tests.
func (s *ModelStore) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE models"); err != nil {
		return fmt.Errorf("postgres: failed to truncate models: %w", err)
	}
	return nil
}
