package journal

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spockmesh/meshjoin/coordinator"
	"github.com/spockmesh/meshjoin/encoding"
	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/meshtest"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMesh returns three connected members with a row each, an unregistered
// n4, and a hook writing on n2 right after its slot for n4 is created
func newMesh(t *testing.T) *meshtest.Mesh {
	t.Helper()

	sim := meshtest.New()
	for _, name := range []string{"n1", "n2", "n3"} {
		sim.AddNode(name)
	}
	sim.Connect("n1", "n2", "n3")
	for _, name := range []string{"n1", "n2", "n3"} {
		sim.Write(name)
	}
	sim.NewNode("n4")

	written := false
	sim.OnCall(func(c meshtest.Call) {
		if !written && c.Node == "n2" && c.Op.Name() == "create_slot" {
			written = true
			sim.Write("n2")
		}
	})
	return sim
}

func join(t *testing.T, ex remote.Executor) error {
	t.Helper()
	spec := coordinator.JoinSpec{
		Source:         mesh.Node{Name: "n1", DSN: meshtest.DSN("n1")},
		NewNode:        mesh.Node{Name: "n4", DSN: meshtest.DSN("n4")},
		Channels:       []string{"default"},
		BarrierTimeout: time.Second,
	}
	jc, err := coordinator.NewJoinCoordinator(mesh.New(ex, mesh.Options{}), spec, nil)
	require.NoError(t, err)
	return jc.Run(context.Background())
}

func assertExactlyOnce(t *testing.T, sim *meshtest.Mesh, members ...string) {
	t.Helper()
	all := make(map[meshtest.Row]bool)
	for _, m := range members {
		for row := range sim.Rows(m) {
			all[row] = true
		}
	}
	for _, m := range members {
		rows := sim.Rows(m)
		for row := range all {
			assert.Equal(t, 1, rows[row], "row %s/%d on %s", row.Origin, row.Seq, m)
		}
	}
}

type opCall struct {
	node string
	op   string
}

func simCalls(sim *meshtest.Mesh) []opCall {
	var out []opCall
	for _, c := range sim.Calls() {
		out = append(out, opCall{node: c.Node, op: c.Op.Name()})
	}
	return out
}

func TestRecorder_JournalsEveryCall(t *testing.T) {
	sim := newMesh(t)
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, sim)
	require.NoError(t, err)

	require.NoError(t, join(t, rec))
	require.NoError(t, rec.Close())

	entries, err := Read(&buf)
	require.NoError(t, err)

	calls := sim.Calls()
	require.Len(t, entries, len(calls))
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, calls[i].Op.Name(), e.Op)
		assert.Equal(t, remote.Endpoint(meshtest.DSN(calls[i].Node)), e.Endpoint)
		assert.False(t, e.Failed())

		op, err := e.Operation()
		require.NoError(t, err)
		assert.Equal(t, calls[i].Op.Name(), op.Name())
	}
}

func TestReplay_ReproducesJoinWithoutDoubleApply(t *testing.T) {
	original := newMesh(t)
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, original)
	require.NoError(t, err)
	require.NoError(t, join(t, rec))
	require.NoError(t, rec.Close())

	entries, err := Read(&buf)
	require.NoError(t, err)

	fresh := newMesh(t)
	executed, err := Replay(context.Background(), entries, fresh, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(entries), executed)

	assert.Equal(t, simCalls(original), simCalls(fresh))
	assertExactlyOnce(t, fresh, "n1", "n2", "n3", "n4")
	assert.True(t, fresh.Registered("n4"))
	enabled, ok := fresh.SubscriptionEnabled("n4", "sub_n2_n4")
	assert.True(t, ok && enabled)
}

func TestReplay_SkipsFailedEntries(t *testing.T) {
	sim := newMesh(t)
	sim.FailNext("n3", "create_slot", remote.Fault("create_slot", "n3:5432/pgedge", "53400", "all replication slots are in use"))

	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, sim)
	require.NoError(t, err)
	require.Error(t, join(t, rec))
	require.NoError(t, rec.Close())

	entries, err := Read(&buf)
	require.NoError(t, err)

	var failed []Entry
	for _, e := range entries {
		if e.Failed() {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "create_slot", failed[0].Op)
	assert.Equal(t, "53400", failed[0].Code)
	assert.Contains(t, failed[0].Error, "all replication slots are in use")

	fresh := newMesh(t)
	executed, err := Replay(context.Background(), entries, fresh, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(entries)-1, executed)
	assert.False(t, fresh.HasSlot("n3", "spk_pgedge_n3_sub_n3_n4"))
}

func TestReplay_StopsAtFirstError(t *testing.T) {
	sim := newMesh(t)
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, sim)
	require.NoError(t, err)
	require.NoError(t, join(t, rec))
	require.NoError(t, rec.Close())

	entries, err := Read(&buf)
	require.NoError(t, err)

	// replaying onto the mesh that already holds the state collides with it
	executed, err := Replay(context.Background(), entries, sim, ReplayOptions{})
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindRemoteFault))
	assert.Less(t, executed, len(entries))
}

func TestReplay_RemapsDescriptors(t *testing.T) {
	entries := []Entry{{Seq: 1, DSN: "host=old dbname=pgedge", Op: "list_nodes", Params: mustMarshal(t, remote.ListNodes{})}}

	sim := meshtest.New()
	sim.AddNode("n1")
	_, err := Replay(context.Background(), entries, sim, ReplayOptions{
		DSN: func(string) string { return meshtest.DSN("n1") },
	})
	require.NoError(t, err)

	calls := sim.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "n1", calls[0].Node)
}

func TestReplay_HonoursCancellation(t *testing.T) {
	entries := []Entry{{Seq: 1, DSN: meshtest.DSN("n1"), Op: "list_nodes", Params: mustMarshal(t, remote.ListNodes{})}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executed, err := Replay(ctx, entries, meshtest.New(), ReplayOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, executed)
}

func TestOpen_AppendsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "join.journal")
	sim := meshtest.New()
	sim.AddNode("n1")
	n1 := meshtest.DSN("n1")

	for run := 0; run < 2; run++ {
		rec, err := Open(path, sim)
		require.NoError(t, err)
		_, err = rec.Exec(context.Background(), n1, remote.ListNodes{})
		require.NoError(t, err)
		_, err = rec.Exec(context.Background(), n1, remote.SyncEvent{})
		require.NoError(t, err)
		require.NoError(t, rec.Close())
	}

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []string{"list_nodes", "sync_event", "list_nodes", "sync_event"},
		[]string{entries[0].Op, entries[1].Op, entries[2].Op, entries[3].Op})
	assert.Equal(t, uint64(1), entries[2].Seq, "every run numbers its own entries")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRecorder_WriteFailureDoesNotFailOperation(t *testing.T) {
	sim := meshtest.New()
	sim.AddNode("n1")

	rec, err := NewRecorder(failingWriter{}, sim)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := rec.Exec(context.Background(), meshtest.DSN("n1"), remote.ListNodes{})
		require.NoError(t, err)
		assert.False(t, res.Empty())
	}
	assert.Len(t, sim.Calls(), 3)
}

func mustMarshal(t *testing.T, op remote.Operation) []byte {
	t.Helper()
	params, err := encoding.Marshal(op)
	require.NoError(t, err)
	return params
}
