package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/spockmesh/meshjoin/telemetry"
)

// BarrierTimeoutError is returned when a member did not apply an origin's
// changes up to a marker within the allotted time
type BarrierTimeoutError struct {
	Node    string
	Origin  string
	Marker  Marker
	Timeout time.Duration
	Err     error // underlying timeout, nil when the member reported it
}

func (e *BarrierTimeoutError) Error() string {
	return fmt.Sprintf("%s did not apply changes from %s up to %s within %s", e.Node, e.Origin, e.Marker, e.Timeout)
}

func (e *BarrierTimeoutError) Unwrap() error {
	return e.Err
}

// Barrier places sync markers and waits for them to be applied
type Barrier struct {
	ex remote.Executor
}

// TriggerMarker stamps a marker into on's outgoing change stream
func (b *Barrier) TriggerMarker(ctx context.Context, on Node) (Marker, error) {
	res, err := b.ex.Exec(ctx, on.DSN, remote.SyncEvent{})
	if err != nil {
		return Marker{}, err
	}
	text, ok := res.String(0)
	if !ok {
		return Marker{}, remote.Fault("sync_event", remote.Endpoint(on.DSN), codeNoDataFound, "sync event returned no position")
	}
	lsn, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return Marker{}, fmt.Errorf("sync marker from %s: %w", on.Name, err)
	}

	log.Debug().Str("node", on.Name).Stringer("marker", lsn).Msg("Triggered sync marker")
	return Marker{lsn: lsn}, nil
}

// WaitForMarker blocks until on has applied origin's changes up to m. It
// never blocks longer than timeout; exceeding it yields *BarrierTimeoutError.
func (b *Barrier) WaitForMarker(ctx context.Context, on Node, origin string, m Marker, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("barrier on %s: timeout must be positive, got %s", on.Name, timeout)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := b.ex.Exec(waitCtx, on.DSN, remote.WaitForSyncEvent{
		Origin:  origin,
		LSN:     m.lsn.String(),
		Timeout: timeout,
	})
	elapsed := time.Since(start)
	telemetry.BarrierWaitSeconds.Observe(elapsed.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if remote.IsKind(err, remote.KindTimeout) || errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return &BarrierTimeoutError{Node: on.Name, Origin: origin, Marker: m, Timeout: timeout, Err: err}
		}
		return err
	}

	if applied, _ := res.Bool(0); !applied {
		return &BarrierTimeoutError{Node: on.Name, Origin: origin, Marker: m, Timeout: timeout}
	}

	log.Debug().
		Str("node", on.Name).
		Str("origin", origin).
		Stringer("marker", m).
		Dur("waited", elapsed).
		Msg("Sync marker applied")
	return nil
}
