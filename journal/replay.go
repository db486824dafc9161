package journal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/remote"
)

// ReplayOptions selects what Replay re-issues
type ReplayOptions struct {
	// IncludeFailed re-issues operations that failed when recorded
	IncludeFailed bool
	// DSN maps a recorded descriptor to the one to use; nil keeps it
	DSN func(recorded string) string
}

// Replay re-issues entries in order against ex and stops at the first error.
// It returns how many entries were executed.
func Replay(ctx context.Context, entries []Entry, ex remote.Executor, opts ReplayOptions) (int, error) {
	executed := 0
	for _, e := range entries {
		if e.Failed() && !opts.IncludeFailed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return executed, err
		}

		op, err := e.Operation()
		if err != nil {
			return executed, fmt.Errorf("journal entry %d: %w", e.Seq, err)
		}
		dsn := e.DSN
		if opts.DSN != nil {
			dsn = opts.DSN(dsn)
		}

		if _, err := ex.Exec(ctx, dsn, op); err != nil {
			return executed, fmt.Errorf("replay of entry %d (%s on %s): %w", e.Seq, e.Op, e.Endpoint, err)
		}
		executed++
		log.Debug().Uint64("seq", e.Seq).Str("op", e.Op).Str("endpoint", e.Endpoint).Msg("Replayed operation")
	}
	return executed, nil
}
