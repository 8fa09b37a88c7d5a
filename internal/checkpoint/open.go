package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend kinds accepted by Open.
const (
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Open builds the configured backend wrapped in Guarded. The returned func
// releases the backend.
func Open(ctx context.Context, kind, path, dsn string, logger *slog.Logger) (*Guarded, func(), error) {
	switch kind {
	case "", KindFile:
		fs := NewFileStore(path)
		logger.Info("checkpoint backend", "kind", KindFile, "path", fs.Path())
		return NewGuarded(fs, logger), func() {}, nil
	case KindSQLite:
		if path == "" {
			path = "~/.threadexport/checkpoint.db"
		}
		s, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("checkpoint backend", "kind", KindSQLite, "path", path)
		return NewGuarded(s, logger), func() { s.Close() }, nil
	case KindPostgres:
		if dsn == "" {
			return nil, nil, fmt.Errorf("checkpoint backend %q needs a database URL", kind)
		}
		s, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("checkpoint backend", "kind", KindPostgres)
		return NewGuarded(s, logger), s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", kind)
	}
}
