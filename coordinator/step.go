package coordinator

import "fmt"

// Step is one state of a membership change. Join steps run in this order:
//
//	discover → register → placeholders → preallocate_slots → source_catch_up →
//	full_sync → new_node_catch_up → fast_forward → peer_links → activate → complete
//
// Remove steps run in this order:
//
//	discover → drop_inbound → drop_outbound → drop_slots → drop_node → complete
//
// Every step is idempotent, so a failed run is retried from discover.
type Step string

const (
	// StepIdle is the state before a run starts
	StepIdle Step = "idle"
	// StepDiscover reads the mesh members from the source
	StepDiscover Step = "discover"

	// StepRegister creates the new node's identity at its own endpoint
	StepRegister Step = "register"
	// StepPlaceholders creates disabled subscriptions on the new node from
	// every peer other than the source
	StepPlaceholders Step = "placeholders"
	// StepPreallocateSlots creates, on those peers, the slots the placeholders
	// will consume from, so no change made from now on is lost
	StepPreallocateSlots Step = "preallocate_slots"
	// StepSourceCatchUp waits until the source has applied every peer's
	// changes up to a fresh marker
	StepSourceCatchUp Step = "source_catch_up"
	// StepFullSync copies schema and data from the source onto the new node
	StepFullSync Step = "full_sync"
	// StepNewNodeCatchUp waits until the new node has applied the source's
	// changes up to a fresh marker
	StepNewNodeCatchUp Step = "new_node_catch_up"
	// StepFastForward moves each pre-allocated slot past the changes the new
	// node already received through the source
	StepFastForward Step = "fast_forward"
	// StepPeerLinks subscribes every peer to the new node
	StepPeerLinks Step = "peer_links"
	// StepActivate enables the placeholders
	StepActivate Step = "activate"

	// StepDropInbound drops, on the leaving node, its subscriptions to peers
	StepDropInbound Step = "drop_inbound"
	// StepDropOutbound drops, on every peer, its subscription to the leaving node
	StepDropOutbound Step = "drop_outbound"
	// StepDropSlots drops pre-allocated slots that were never consumed
	StepDropSlots Step = "drop_slots"
	// StepDropNode drops the leaving node's identity
	StepDropNode Step = "drop_node"

	// StepComplete is the final state of both workflows
	StepComplete Step = "complete"
)

// JoinSteps lists the join states in execution order
var JoinSteps = []Step{
	StepDiscover,
	StepRegister,
	StepPlaceholders,
	StepPreallocateSlots,
	StepSourceCatchUp,
	StepFullSync,
	StepNewNodeCatchUp,
	StepFastForward,
	StepPeerLinks,
	StepActivate,
	StepComplete,
}

// RemoveSteps lists the remove states in execution order
var RemoveSteps = []Step{
	StepDiscover,
	StepDropInbound,
	StepDropOutbound,
	StepDropSlots,
	StepDropNode,
	StepComplete,
}

// Ordinal is the 1-based position of s in its workflow, 0 for idle
func (s Step) Ordinal() int {
	for _, seq := range [][]Step{JoinSteps, RemoveSteps} {
		for i, step := range seq {
			if step == s {
				return i + 1
			}
		}
	}
	return 0
}

// machine enforces that a workflow visits its steps strictly in sequence
type machine struct {
	current     Step
	transitions map[Step][]Step
}

func newMachine(sequence []Step) *machine {
	transitions := map[Step][]Step{StepIdle: {sequence[0]}}
	for i := 0; i < len(sequence)-1; i++ {
		transitions[sequence[i]] = []Step{sequence[i+1]}
	}
	return &machine{current: StepIdle, transitions: transitions}
}

func (m *machine) canTransitionTo(step Step) error {
	for _, target := range m.transitions[m.current] {
		if target == step {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", m.current, step)
}

func (m *machine) transitionTo(step Step) error {
	if err := m.canTransitionTo(step); err != nil {
		return err
	}
	m.current = step
	return nil
}
