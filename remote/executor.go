package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/telemetry"
)

// Executor sends one operation to the node addressed by dsn and returns its
// rows. Failures are reported as *Error.
type Executor interface {
	Exec(ctx context.Context, dsn string, op Operation) (*Result, error)
}

// ExecutorOptions tunes the pgx executor
type ExecutorOptions struct {
	MaxConns         int32
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration // applied only when the caller set no deadline
	PoolCacheSize    int
}

// PgxExecutor executes operations over pgx connection pools, one pool per
// descriptor, kept in a bounded cache
type PgxExecutor struct {
	opts  ExecutorOptions
	mu    sync.Mutex
	pools *lru.Cache[string, *pgxpool.Pool]
}

// NewPgxExecutor creates an executor. Pools evicted from the cache are closed.
func NewPgxExecutor(opts ExecutorOptions) (*PgxExecutor, error) {
	if opts.PoolCacheSize < 1 {
		opts.PoolCacheSize = 16
	}
	pools, err := lru.NewWithEvict[string, *pgxpool.Pool](opts.PoolCacheSize, func(_ string, pool *pgxpool.Pool) {
		pool.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool cache: %w", err)
	}
	return &PgxExecutor{opts: opts, pools: pools}, nil
}

// Exec implements Executor
func (e *PgxExecutor) Exec(ctx context.Context, dsn string, op Operation) (*Result, error) {
	endpoint := Endpoint(dsn)
	query, args, err := op.Statement()
	if err != nil {
		telemetry.RemoteOpsTotal.With(op.Name(), KindInvalidRequest.String()).Inc()
		return nil, InvalidRequest(op.Name(), endpoint, err)
	}

	if _, ok := ctx.Deadline(); !ok && e.opts.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.StatementTimeout)
		defer cancel()
	}

	log.Debug().
		Str("op", op.Name()).
		Str("endpoint", endpoint).
		Msg("Executing remote operation")
	log.Trace().
		Str("op", op.Name()).
		Str("sql", query).
		Msg("Remote operation statement")

	start := time.Now()
	res, err := e.run(ctx, dsn, query, args)
	telemetry.RemoteOpDurationSeconds.With(op.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classify(op.Name(), endpoint, err)
		telemetry.RemoteOpsTotal.With(op.Name(), resultLabel(err)).Inc()
		log.Debug().
			Err(err).
			Str("op", op.Name()).
			Str("endpoint", endpoint).
			Msg("Remote operation failed")
		return nil, err
	}

	telemetry.RemoteOpsTotal.With(op.Name(), "success").Inc()
	return res, nil
}

func (e *PgxExecutor) run(ctx context.Context, dsn, query string, args []any) (*Result, error) {
	pool, err := e.pool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &Result{}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *PgxExecutor) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pool, ok := e.pools.Get(dsn); ok {
		return pool, nil
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid connection descriptor: %w", err)
	}
	if e.opts.MaxConns > 0 {
		config.MaxConns = e.opts.MaxConns
	}
	if e.opts.ConnectTimeout > 0 {
		config.ConnConfig.ConnectTimeout = e.opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	e.pools.Add(dsn, pool)
	return pool, nil
}

// Close closes every cached pool
func (e *PgxExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools.Purge()
}

func resultLabel(err error) string {
	if rerr, ok := err.(*Error); ok {
		return rerr.Kind.String()
	}
	return "error"
}
