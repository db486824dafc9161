package remote

import (
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// SyncEvent stamps a sync marker into the node's outgoing stream.
// Columns: lsn (string).
type SyncEvent struct{}

func (SyncEvent) Name() string { return "sync_event" }

func (SyncEvent) Statement() (string, []any, error) {
	return dialect.
		Select(goqu.Cast(goqu.Func("spock.sync_event"), "text")).
		Prepared(true).
		ToSQL()
}

// waitForSyncEventSQL is a procedure call, which goqu cannot render. The first
// argument is the OUT parameter placeholder.
const waitForSyncEventSQL = "CALL spock.wait_for_sync_event(NULL, CAST($1 AS name), CAST($2 AS pg_lsn), $3)"

// WaitForSyncEvent blocks on the executing node until it has applied changes
// from Origin up to LSN, or Timeout elapses on the server.
// Columns: result (bool, false on server-side timeout).
type WaitForSyncEvent struct {
	Origin  string
	LSN     string
	Timeout time.Duration
}

func (WaitForSyncEvent) Name() string { return "wait_for_sync_event" }

func (o WaitForSyncEvent) Statement() (string, []any, error) {
	if err := ValidateIdentifier("origin", o.Origin); err != nil {
		return "", nil, err
	}
	if o.LSN == "" {
		return "", nil, fmt.Errorf("wait for %s: marker lsn is required", o.Origin)
	}
	if o.Timeout <= 0 {
		return "", nil, fmt.Errorf("wait for %s: timeout must be positive", o.Origin)
	}
	seconds := int(math.Ceil(o.Timeout.Seconds()))
	return waitForSyncEventSQL, []any{o.Origin, o.LSN, seconds}, nil
}

// LagTracker reads what the executing node has received from Origin for
// Receiver. Columns: commit_timestamp (time.Time), lag_seconds (float64);
// no rows or NULLs when nothing has arrived yet.
type LagTracker struct {
	Origin   string
	Receiver string
}

func (LagTracker) Name() string { return "lag_tracker" }

func (o LagTracker) Statement() (string, []any, error) {
	if err := ValidateIdentifier("origin", o.Origin); err != nil {
		return "", nil, err
	}
	if err := ValidateIdentifier("receiver", o.Receiver); err != nil {
		return "", nil, err
	}
	return dialect.
		From(goqu.S("spock").Table("lag_tracker")).
		Select(
			goqu.C("commit_timestamp"),
			goqu.Cast(goqu.L("EXTRACT(EPOCH FROM now() - ?)", goqu.C("commit_timestamp")), "float8"),
		).
		Where(
			goqu.C("origin_name").Eq(o.Origin),
			goqu.C("receiver_name").Eq(o.Receiver),
		).
		Prepared(true).
		ToSQL()
}
