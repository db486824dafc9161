package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "remote fault",
			err:      Fault("create_subscription", "10.0.0.3:5432/pgedge", "42710", "subscription already exists"),
			expected: "create_subscription on 10.0.0.3:5432/pgedge: remote fault 42710: subscription already exists",
		},
		{
			name:     "timeout",
			err:      &Error{Kind: KindTimeout, Endpoint: "n1:5432/pgedge", Op: "wait_for_sync_event", Err: context.DeadlineExceeded},
			expected: "wait_for_sync_event on n1:5432/pgedge: timed out: context deadline exceeded",
		},
		{
			name:     "invalid request",
			err:      InvalidRequest("create_slot", "n1:5432/pgedge", errors.New(`invalid slot name "Spk"`)),
			expected: `create_slot on n1:5432/pgedge: invalid request: invalid slot name "Spk"`,
		},
		{
			name:     "unreachable",
			err:      &Error{Kind: KindUnreachable, Endpoint: "n1:5432/pgedge", Op: "list_nodes", Err: errors.New("connection refused")},
			expected: "list_nodes on n1:5432/pgedge: unreachable: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code string
	}{
		{"pg error", &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}, KindRemoteFault, "42P01"},
		{"wrapped pg error", fmt.Errorf("query: %w", &pgconn.PgError{Code: "23505", Message: "dup"}), KindRemoteFault, "23505"},
		{"statement timeout", &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}, KindTimeout, "57014"},
		{"deadline", context.DeadlineExceeded, KindTimeout, ""},
		{"transport", errors.New("dial tcp 10.0.0.9:5432: connect: connection refused"), KindUnreachable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("list_nodes", "n1:5432/pgedge", tt.err)

			var rerr *Error
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.kind, rerr.Kind)
			assert.Equal(t, tt.code, rerr.Code)
			assert.Equal(t, "list_nodes", rerr.Op)
			assert.True(t, IsKind(err, tt.kind))
		})
	}
}

func TestClassify_KeepsRemoteErrors(t *testing.T) {
	original := Fault("sync_event", "n1", "XX000", "boom")
	assert.Same(t, original, classify("other", "n2", original))
	assert.NoError(t, classify("other", "n2", nil))
}

func TestIsKind_NonRemoteError(t *testing.T) {
	assert.False(t, IsKind(errors.New("plain"), KindRemoteFault))
	assert.False(t, IsKind(nil, KindTimeout))
}

func TestEndpoint_RedactsCredentials(t *testing.T) {
	dsn := "host=127.0.0.1 dbname=pgedge port=5431 user=pgedge password=hunter2"

	label := Endpoint(dsn)
	assert.Equal(t, "127.0.0.1:5431/pgedge", label)
	assert.NotContains(t, label, "hunter2")

	assert.Equal(t, "<invalid dsn>", Endpoint("port=notaport"))
}

func TestDatabaseName(t *testing.T) {
	name, err := DatabaseName("postgres://u:p@db.internal:5432/inventory?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "inventory", name)

	_, err = DatabaseName("port=notaport")
	assert.Error(t, err)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "unreachable", KindUnreachable.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "remote_fault", KindRemoteFault.String())
	assert.Equal(t, "invalid_request", KindInvalidRequest.String())
	assert.Equal(t, "kind(0)", Kind(0).String())
}

func TestPgxExecutor_InvalidRequestIsNeverSent(t *testing.T) {
	ex, err := NewPgxExecutor(ExecutorOptions{})
	require.NoError(t, err)
	defer ex.Close()

	_, err = ex.Exec(context.Background(), "host=n1 port=5432 dbname=pgedge user=pgedge", CreateSlot{Slot: "spk_pgedge_nodeB", Plugin: "spock_output"})

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindInvalidRequest, rerr.Kind)
	assert.Equal(t, "create_slot", rerr.Op)
	assert.Equal(t, "n1:5432/pgedge", rerr.Endpoint)
	assert.True(t, IsKind(err, KindInvalidRequest))
	assert.Equal(t, 0, ex.pools.Len())
}
