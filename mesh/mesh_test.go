package mesh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spockmesh/meshjoin/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockExecutor is a mock for remote.Executor
type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Exec(ctx context.Context, dsn string, op remote.Operation) (*remote.Result, error) {
	args := m.Called(ctx, dsn, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*remote.Result), args.Error(1)
}

func row(values ...any) *remote.Result {
	return &remote.Result{Rows: [][]any{values}}
}

func noRows() *remote.Result {
	return &remote.Result{}
}

var (
	n1 = Node{ID: 1, Name: "n1", DSN: "host=n1 dbname=pgedge"}
	n2 = Node{ID: 2, Name: "n2", DSN: "host=n2 dbname=pgedge"}
	n3 = Node{Name: "n3", DSN: "host=n3 dbname=pgedge"}
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "sub_n2_n3", SubscriptionName("n2", "n3"))
	assert.Equal(t, "spk_pgedge_n2_sub_n2_n3", SlotName("pgedge", "n2", "sub_n2_n3"))

	long := SlotName(strings.Repeat("d", 40), "provider_node", "sub_provider_node_subscriber_node")
	assert.Len(t, long, 63)
	assert.True(t, strings.HasPrefix(long, "spk_dddd"))
}

func TestTopology_ListMembers(t *testing.T) {
	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n1.DSN, remote.ListNodes{}).Return(&remote.Result{Rows: [][]any{
		{int64(1), "n1", "fra", "de", "{}", n1.DSN},
		{int64(2), "n2", "", "", "", n2.DSN},
	}}, nil)

	members, err := New(ex, Options{}).Topology.ListMembers(context.Background(), n1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, Node{ID: 1, Name: "n1", DSN: n1.DSN, Location: "fra", Country: "de", Info: "{}"}, members[0])
	assert.Equal(t, "n2", members[1].Name)
	ex.AssertExpectations(t)
}

func TestTopology_ListMembersBadRow(t *testing.T) {
	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n1.DSN, remote.ListNodes{}).Return(row("one", "n1"), nil)

	_, err := New(ex, Options{}).Topology.ListMembers(context.Background(), n1)
	assert.Error(t, err)
}

func TestNodes_Register(t *testing.T) {
	t.Run("creates missing identity", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, remote.LookupNode{Node: "n3"}).Return(noRows(), nil)
		ex.On("Exec", mock.Anything, n3.DSN, remote.CreateNode{Node: "n3", DSN: n3.DSN}).Return(noRows(), nil)

		outcome, err := New(ex, Options{}).Nodes.Register(context.Background(), n3)
		require.NoError(t, err)
		assert.Equal(t, Applied, outcome)
		ex.AssertExpectations(t)
	})

	t.Run("existing identity is left alone", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, remote.LookupNode{Node: "n3"}).Return(row(int64(7)), nil)

		outcome, err := New(ex, Options{}).Nodes.Register(context.Background(), n3)
		require.NoError(t, err)
		assert.Equal(t, AlreadySatisfied, outcome)
		ex.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.AnythingOfType("remote.CreateNode"))
	})
}

func TestSubscriptions_CreateIsIdempotent(t *testing.T) {
	sub := Subscription{
		Name:     "sub_n2_n3",
		Provider: n2,
		Channels: []string{"default"},
	}
	create := remote.CreateSubscription{
		Subscription: "sub_n2_n3",
		ProviderDSN:  n2.DSN,
		Channels:     []string{"default"},
	}

	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n3.DSN, remote.SubscriptionStatus{Subscription: "sub_n2_n3"}).Return(noRows(), nil).Once()
	ex.On("Exec", mock.Anything, n3.DSN, create).Return(noRows(), nil).Once()
	ex.On("Exec", mock.Anything, n3.DSN, remote.SubscriptionStatus{Subscription: "sub_n2_n3"}).Return(row(false), nil).Once()

	subs := New(ex, Options{}).Subscriptions
	outcome, err := subs.Create(context.Background(), n3, sub)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	outcome, err = subs.Create(context.Background(), n3, sub)
	require.NoError(t, err)
	assert.Equal(t, AlreadySatisfied, outcome)

	ex.AssertExpectations(t)
}

func TestSubscriptions_Enable(t *testing.T) {
	status := remote.SubscriptionStatus{Subscription: "sub_n2_n3"}
	enable := remote.EnableSubscription{Subscription: "sub_n2_n3", Immediate: true}

	t.Run("disabled subscription is enabled", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, status).Return(row(false), nil)
		ex.On("Exec", mock.Anything, n3.DSN, enable).Return(noRows(), nil)

		outcome, err := New(ex, Options{}).Subscriptions.Enable(context.Background(), n3, "sub_n2_n3", true)
		require.NoError(t, err)
		assert.Equal(t, Applied, outcome)
		ex.AssertExpectations(t)
	})

	t.Run("enabled subscription is a no-op", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, status).Return(row(true), nil)

		outcome, err := New(ex, Options{}).Subscriptions.Enable(context.Background(), n3, "sub_n2_n3", true)
		require.NoError(t, err)
		assert.Equal(t, AlreadySatisfied, outcome)
		ex.AssertNumberOfCalls(t, "Exec", 1)
	})

	t.Run("missing subscription surfaces the fault", func(t *testing.T) {
		fault := remote.Fault("enable_subscription", "n3:5432/pgedge", "42704", "subscription sub_n2_n3 not found")
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, status).Return(noRows(), nil)
		ex.On("Exec", mock.Anything, n3.DSN, enable).Return(nil, fault)

		_, err := New(ex, Options{}).Subscriptions.Enable(context.Background(), n3, "sub_n2_n3", true)
		assert.Same(t, fault, err)
	})
}

func TestSubscriptions_Drop(t *testing.T) {
	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n3.DSN, remote.SubscriptionStatus{Subscription: "sub_n2_n3"}).Return(noRows(), nil)

	outcome, err := New(ex, Options{}).Subscriptions.Drop(context.Background(), n3, "sub_n2_n3")
	require.NoError(t, err)
	assert.Equal(t, AlreadySatisfied, outcome)
}

func TestSlots_Create(t *testing.T) {
	const slot = "spk_pgedge_n2_sub_n2_n3"

	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n2.DSN, remote.SlotPosition{Slot: slot}).Return(noRows(), nil).Once()
	ex.On("Exec", mock.Anything, n2.DSN, remote.CreateSlot{Slot: slot, Plugin: "spock_output"}).Return(row("0/1000"), nil).Once()
	ex.On("Exec", mock.Anything, n2.DSN, remote.SlotPosition{Slot: slot}).Return(row("0/1000"), nil).Once()

	slots := New(ex, Options{}).Slots
	outcome, err := slots.Create(context.Background(), n2, slot)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	outcome, err = slots.Create(context.Background(), n2, slot)
	require.NoError(t, err)
	assert.Equal(t, AlreadySatisfied, outcome)
	ex.AssertExpectations(t)
}

func TestSlots_AdvanceNeverMovesBackward(t *testing.T) {
	const slot = "spk_pgedge_n2_sub_n2_n3"
	commit := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	watermark := Watermark{commitTime: commit}

	tests := []struct {
		name     string
		current  string
		target   string
		expected Outcome
		advances bool
	}{
		{"target ahead", "0/1000", "0/2000", Applied, true},
		{"target equal", "0/2000", "0/2000", AlreadySatisfied, false},
		{"target behind", "0/3000", "0/2000", AlreadySatisfied, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &mockExecutor{}
			ex.On("Exec", mock.Anything, n2.DSN, remote.SlotPosition{Slot: slot}).Return(row(tt.current), nil)
			ex.On("Exec", mock.Anything, n2.DSN, remote.LSNForCommitTime{Slot: slot, CommitTime: commit}).Return(row(tt.target), nil)
			if tt.advances {
				ex.On("Exec", mock.Anything, n2.DSN, remote.AdvanceSlot{Slot: slot, LSN: tt.target}).Return(row(tt.target), nil)
			}

			outcome, err := New(ex, Options{}).Slots.Advance(context.Background(), n2, slot, watermark)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, outcome)
			ex.AssertExpectations(t)
			if !tt.advances {
				ex.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.AnythingOfType("remote.AdvanceSlot"))
			}
		})
	}
}

func TestSlots_AdvanceWithoutWatermark(t *testing.T) {
	ex := &mockExecutor{}

	outcome, err := New(ex, Options{}).Slots.Advance(context.Background(), n2, "spk_x", Watermark{})
	require.NoError(t, err)
	assert.Equal(t, AlreadySatisfied, outcome)
	ex.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestSlots_AdvanceMissingSlot(t *testing.T) {
	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n2.DSN, remote.SlotPosition{Slot: "spk_x"}).Return(noRows(), nil)

	_, err := New(ex, Options{}).Slots.Advance(context.Background(), n2, "spk_x", Watermark{commitTime: time.Now()})
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindRemoteFault))
}

func TestBarrier_TriggerAndWait(t *testing.T) {
	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n2.DSN, remote.SyncEvent{}).Return(row("0/16B3748"), nil)
	ex.On("Exec", mock.Anything, n1.DSN, remote.WaitForSyncEvent{Origin: "n2", LSN: "0/16B3748", Timeout: time.Minute}).Return(row(true), nil)

	barrier := New(ex, Options{}).Barrier
	marker, err := barrier.TriggerMarker(context.Background(), n2)
	require.NoError(t, err)
	assert.Equal(t, "0/16B3748", marker.String())

	require.NoError(t, barrier.WaitForMarker(context.Background(), n1, "n2", marker, time.Minute))
	ex.AssertExpectations(t)
}

func TestBarrier_WaitTimeouts(t *testing.T) {
	marker := Marker{lsn: 0x16B3748}
	wait := remote.WaitForSyncEvent{Origin: "n2", LSN: "0/16B3748", Timeout: time.Second}

	tests := []struct {
		name   string
		result *remote.Result
		err    error
	}{
		{"member reports timeout", row(false), nil},
		{"statement timeout", nil, &remote.Error{Kind: remote.KindTimeout, Op: "wait_for_sync_event", Err: context.DeadlineExceeded}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &mockExecutor{}
			ex.On("Exec", mock.Anything, n1.DSN, wait).Return(tt.result, tt.err)

			err := New(ex, Options{}).Barrier.WaitForMarker(context.Background(), n1, "n2", marker, time.Second)
			var timeoutErr *BarrierTimeoutError
			require.ErrorAs(t, err, &timeoutErr)
			assert.Equal(t, "n1", timeoutErr.Node)
			assert.Equal(t, "n2", timeoutErr.Origin)
			assert.False(t, remote.IsKind(err, remote.KindRemoteFault))
		})
	}
}

func TestBarrier_WaitIsBounded(t *testing.T) {
	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n1.DSN, mock.AnythingOfType("remote.WaitForSyncEvent")).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, &remote.Error{Kind: remote.KindTimeout, Op: "wait_for_sync_event", Err: context.DeadlineExceeded})

	start := time.Now()
	err := New(ex, Options{}).Barrier.WaitForMarker(context.Background(), n1, "n2", Marker{lsn: 1}, 50*time.Millisecond)
	var timeoutErr *BarrierTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBarrier_RejectsNonPositiveTimeout(t *testing.T) {
	ex := &mockExecutor{}
	err := New(ex, Options{}).Barrier.WaitForMarker(context.Background(), n1, "n2", Marker{lsn: 1}, 0)
	assert.Error(t, err)
	ex.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestBarrier_CancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := &mockExecutor{}
	ex.On("Exec", mock.Anything, n1.DSN, mock.AnythingOfType("remote.WaitForSyncEvent")).
		Return(nil, &remote.Error{Kind: remote.KindUnreachable, Op: "wait_for_sync_event", Err: context.Canceled})

	err := New(ex, Options{}).Barrier.WaitForMarker(ctx, n1, "n2", Marker{lsn: 1}, time.Minute)
	require.Error(t, err)
	var timeoutErr *BarrierTimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestWatermarks(t *testing.T) {
	commit := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	lag := remote.LagTracker{Origin: "n1", Receiver: "n2"}

	t.Run("resolve recorded commit", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, lag).Return(row(commit, 2.5), nil)

		w := New(ex, Options{}).Watermarks
		watermark, err := w.Resolve(context.Background(), n3, "n1", "n2")
		require.NoError(t, err)
		assert.False(t, watermark.IsZero())
		assert.Equal(t, "2026-10-17T09:30:00Z", watermark.String())

		d, known, err := w.Lag(context.Background(), n3, "n1", "n2")
		require.NoError(t, err)
		assert.True(t, known)
		assert.Equal(t, 2500*time.Millisecond, d)
	})

	t.Run("nothing recorded", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, lag).Return(noRows(), nil)

		w := New(ex, Options{}).Watermarks
		watermark, err := w.Resolve(context.Background(), n3, "n1", "n2")
		require.NoError(t, err)
		assert.True(t, watermark.IsZero())

		_, known, err := w.Lag(context.Background(), n3, "n1", "n2")
		require.NoError(t, err)
		assert.False(t, known)
	})

	t.Run("null commit is no watermark", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, lag).Return(row(nil, nil), nil)

		watermark, err := New(ex, Options{}).Watermarks.Resolve(context.Background(), n3, "n1", "n2")
		require.NoError(t, err)
		assert.True(t, watermark.IsZero())
	})

	t.Run("unexpected column types fail", func(t *testing.T) {
		ex := &mockExecutor{}
		ex.On("Exec", mock.Anything, n3.DSN, lag).Return(row("2026-10-17 09:30:00+00", "2.5"), nil)

		w := New(ex, Options{}).Watermarks
		_, err := w.Resolve(context.Background(), n3, "n1", "n2")
		assert.ErrorContains(t, err, "commit_timestamp for n1->n2 is string")

		_, known, err := w.Lag(context.Background(), n3, "n1", "n2")
		assert.ErrorContains(t, err, "lag for n1->n2 is string")
		assert.False(t, known)
	})
}

func TestMarker_Compare(t *testing.T) {
	a, b := Marker{lsn: 10}, Marker{lsn: 20}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}
