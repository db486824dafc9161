package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/spockmesh/meshjoin/telemetry"
)

// RemoveSpec describes the removal of one member
type RemoveSpec struct {
	Source mesh.Node // member the topology is read from, must not be Node
	Node   mesh.Node // member leaving the mesh
}

// Remover unlinks a member from every peer and drops its identity. Every
// action tolerates state that is already gone, so a partial run can be
// repeated.
type Remover struct {
	mesh     *mesh.Mesh
	spec     RemoveSpec
	progress *Progress
	machine  *machine

	db    string
	peers []mesh.Node
}

// NewRemover validates spec and prepares a removal. progress may be nil.
func NewRemover(m *mesh.Mesh, spec RemoveSpec, progress *Progress) (*Remover, error) {
	if err := remote.ValidateIdentifier("node", spec.Node.Name); err != nil {
		return nil, err
	}
	if spec.Source.Name == spec.Node.Name {
		return nil, fmt.Errorf("cannot read the topology of %s from itself", spec.Node.Name)
	}
	db, err := remote.DatabaseName(spec.Node.DSN)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", spec.Node.Name, err)
	}
	if progress == nil {
		progress = NewProgress()
	}
	return &Remover{mesh: m, spec: spec, progress: progress, db: db}, nil
}

// Progress exposes the tracker of this remover
func (r *Remover) Progress() *Progress {
	return r.progress
}

// Run executes the removal steps in order and stops at the first failed step
func (r *Remover) Run(ctx context.Context) (err error) {
	r.machine = newMachine(RemoveSteps)
	r.progress.begin("remove", r.spec.Node.Name)
	start := time.Now()

	defer func() {
		r.progress.finish(err)
		switch {
		case err == nil:
			telemetry.RemoveRunsTotal.With("success").Inc()
			log.Info().Str("node", r.spec.Node.Name).Dur("elapsed", time.Since(start)).Msg("Node removed")
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			telemetry.RemoveRunsTotal.With("cancelled").Inc()
		default:
			telemetry.RemoveRunsTotal.With("failed").Inc()
			log.Error().Err(err).Str("node", r.spec.Node.Name).Msg("Remove failed")
		}
	}()

	steps := []struct {
		step Step
		run  func(context.Context) error
	}{
		{StepDiscover, r.discover},
		{StepDropInbound, r.dropInbound},
		{StepDropOutbound, r.dropOutbound},
		{StepDropSlots, r.dropSlots},
		{StepDropNode, r.dropNode},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.step, Err: err}
		}
		if err := runStep(ctx, r.machine, r.progress, s.step, s.run); err != nil {
			return err
		}
	}

	if err := r.machine.transitionTo(StepComplete); err != nil {
		return err
	}
	r.progress.stepStarted(StepComplete)
	r.progress.stepFinished(StepComplete, nil)
	return nil
}

func (r *Remover) discover(ctx context.Context) error {
	_, peers, err := discoverPeers(ctx, r.mesh, r.spec.Source, r.spec.Node.Name)
	if err != nil {
		return &StepError{Step: StepDiscover, Node: r.spec.Source.Name, Err: err}
	}
	r.peers = peers
	return nil
}

// dropInbound drops sub_<peer>_<node> from the leaving node
func (r *Remover) dropInbound(ctx context.Context) error {
	return forEachPeer(ctx, r.progress, StepDropInbound, "drop_subscription", r.peers,
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			return r.mesh.Subscriptions.Drop(ctx, r.spec.Node, mesh.SubscriptionName(peer.Name, r.spec.Node.Name))
		})
}

// dropOutbound drops sub_<node>_<peer> from every peer
func (r *Remover) dropOutbound(ctx context.Context) error {
	return forEachPeer(ctx, r.progress, StepDropOutbound, "drop_subscription", r.peers,
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			return r.mesh.Subscriptions.Drop(ctx, peer, mesh.SubscriptionName(r.spec.Node.Name, peer.Name))
		})
}

// dropSlots drops slots pre-allocated for placeholders that never started
func (r *Remover) dropSlots(ctx context.Context) error {
	return forEachPeer(ctx, r.progress, StepDropSlots, "drop_slot", r.peers,
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			slot := mesh.SlotName(r.db, peer.Name, mesh.SubscriptionName(peer.Name, r.spec.Node.Name))
			if remote.ValidateSlotName(slot) != nil {
				// no such slot can exist
				return mesh.AlreadySatisfied, nil
			}
			return r.mesh.Slots.Drop(ctx, peer, slot)
		})
}

func (r *Remover) dropNode(ctx context.Context) error {
	outcome, err := r.mesh.Nodes.Drop(ctx, r.spec.Node)
	if err != nil {
		return &StepError{Step: StepDropNode, Node: r.spec.Node.Name, Err: err}
	}
	log.Info().Str("node", r.spec.Node.Name).Stringer("outcome", outcome).Msg("Node identity dropped")
	return nil
}
