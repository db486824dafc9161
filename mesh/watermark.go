package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/spockmesh/meshjoin/remote"
)

// Watermarks reads what a receiver already holds from an origin
type Watermarks struct {
	ex remote.Executor
}

// Resolve returns the commit time of the latest change from origin that on
// has received on behalf of receiver. The watermark is zero when nothing has
// been recorded.
func (w *Watermarks) Resolve(ctx context.Context, on Node, origin, receiver string) (Watermark, error) {
	res, err := w.ex.Exec(ctx, on.DSN, remote.LagTracker{Origin: origin, Receiver: receiver})
	if err != nil {
		return Watermark{}, err
	}
	v, ok := res.Value(0)
	if !ok {
		return Watermark{}, nil
	}
	ts, ok := v.(time.Time)
	if !ok {
		return Watermark{}, fmt.Errorf("lag tracker on %s: commit_timestamp for %s->%s is %T, want a timestamp", on.Name, origin, receiver, v)
	}
	return Watermark{commitTime: ts}, nil
}

// Lag returns how far on trails origin for receiver. known is false when
// nothing has been recorded yet.
func (w *Watermarks) Lag(ctx context.Context, on Node, origin, receiver string) (lag time.Duration, known bool, err error) {
	res, err := w.ex.Exec(ctx, on.DSN, remote.LagTracker{Origin: origin, Receiver: receiver})
	if err != nil {
		return 0, false, err
	}
	v, ok := res.Value(1)
	if !ok {
		return 0, false, nil
	}
	seconds, ok := v.(float64)
	if !ok {
		return 0, false, fmt.Errorf("lag tracker on %s: lag for %s->%s is %T, want float8", on.Name, origin, receiver, v)
	}
	return time.Duration(seconds * float64(time.Second)), true, nil
}
