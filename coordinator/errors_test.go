package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/spockmesh/meshjoin/remote"
)

func TestStepError(t *testing.T) {
	tests := []struct {
		name     string
		err      *StepError
		expected string
	}{
		{
			name:     "attributed to a node",
			err:      &StepError{Step: StepRegister, Node: "n9", Err: errors.New("permission denied")},
			expected: "step register failed on n9: permission denied",
		},
		{
			name:     "attributed to several peers",
			err:      &StepError{Step: StepPreallocateSlots, Node: "n2,n3", Err: errors.New("boom")},
			expected: "step preallocate_slots failed on n2,n3: boom",
		},
		{
			name:     "not attributed",
			err:      &StepError{Step: StepPlaceholders, Err: context.Canceled},
			expected: "step placeholders failed: context canceled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("StepError.Error() = %q, want %q", got, tt.expected)
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Errorf("StepError does not unwrap to %v", tt.err.Err)
			}
		})
	}
}

func TestPeerErrors(t *testing.T) {
	fault := remote.Fault("create_slot", "n3:5432/pgedge", "53400", "all replication slots are in use")
	errs := PeerErrors{
		{Peer: "n2", Err: context.DeadlineExceeded},
		{Peer: "n3", Err: fault},
	}

	expected := "2 peer(s) failed: n2: context deadline exceeded; " +
		"n3: create_slot on n3:5432/pgedge: remote fault 53400: all replication slots are in use"
	if got := errs.Error(); got != expected {
		t.Errorf("PeerErrors.Error() = %q, want %q", got, expected)
	}

	peers := errs.Peers()
	if len(peers) != 2 || peers[0] != "n2" || peers[1] != "n3" {
		t.Errorf("PeerErrors.Peers() = %v", peers)
	}

	wrapped := &StepError{Step: StepPreallocateSlots, Node: "n2,n3", Err: errs}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("expected deadline exceeded to be reachable through StepError")
	}

	var remoteErr *remote.Error
	if !errors.As(wrapped, &remoteErr) {
		t.Fatal("expected remote error to be reachable through StepError")
	}
	if remoteErr.Code != "53400" {
		t.Errorf("remote error code = %q, want 53400", remoteErr.Code)
	}

	var peerErr PeerError
	if !errors.As(wrapped, &peerErr) || peerErr.Peer != "n2" {
		t.Errorf("first peer error = %+v", peerErr)
	}
}
