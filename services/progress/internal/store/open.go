package store

import (
	"context"
	"fmt"

	"github.com/example/edu-platform/internal/platform/db"
)

// Open connects the Store for driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		pool, err := db.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool), nil
	case "sqlite":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
