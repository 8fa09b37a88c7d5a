// Package checkpoint persists the single batch state record. FileStore,
// SQLiteStore and PostgresStore are interchangeable backends; Guarded wraps
// any of them and discards records that are stale or from another version.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/MikeSquared-Agency/threadexport/internal/batch"
)

// Key names the checkpoint record in keyed backends.
const Key = "threadexport.batch_state"

// Backend is the raw storage of one encoded record.
type Backend interface {
	Read(ctx context.Context) ([]byte, error) // nil, nil when absent
	Write(ctx context.Context, data []byte) error
	Delete(ctx context.Context) error
}

func encode(st *batch.State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*batch.State, error) {
	var st batch.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &st, nil
}

// Guarded implements batch.Store on top of a Backend. A record that cannot
// be parsed, fails validation, carries another version or is older than
// batch.StateTTL is cleared and reported as absent.
type Guarded struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

func NewGuarded(backend Backend, logger *slog.Logger) *Guarded {
	return &Guarded{backend: backend, logger: logger, now: time.Now}
}

func (g *Guarded) Load(ctx context.Context) (*batch.State, error) {
	data, err := g.backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	st, err := decode(data)
	if err == nil {
		err = st.Validate()
	}
	if err == nil && st.Expired(g.now()) {
		err = fmt.Errorf("checkpoint last updated %s", st.UpdatedAt.Format(time.RFC3339))
	}
	if err != nil {
		g.logger.Warn("discarding checkpoint", "error", err)
		if derr := g.backend.Delete(ctx); derr != nil {
			return nil, fmt.Errorf("clear checkpoint: %w", derr)
		}
		return nil, nil
	}
	return st, nil
}

func (g *Guarded) Save(ctx context.Context, st *batch.State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	if err := g.backend.Write(ctx, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (g *Guarded) Clear(ctx context.Context) error {
	if err := g.backend.Delete(ctx); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

var _ batch.Store = (*Guarded)(nil)
