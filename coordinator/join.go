package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/spockmesh/meshjoin/telemetry"
)

// JoinSpec describes one join
type JoinSpec struct {
	Source         mesh.Node // existing member the new node copies its data from
	NewNode        mesh.Node
	Channels       []string
	ForwardOrigins []string
	ApplyDelay     time.Duration
	BarrierTimeout time.Duration
}

// Validate checks the spec before any remote call is made
func (s JoinSpec) Validate() error {
	if err := remote.ValidateIdentifier("source node", s.Source.Name); err != nil {
		return err
	}
	if err := remote.ValidateIdentifier("new node", s.NewNode.Name); err != nil {
		return err
	}
	if s.Source.Name == s.NewNode.Name {
		return fmt.Errorf("new node %s is the source", s.NewNode.Name)
	}
	if s.Source.DSN == "" || s.NewNode.DSN == "" {
		return errors.New("source and new node connection descriptors are required")
	}
	if len(s.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	if s.BarrierTimeout <= 0 {
		return fmt.Errorf("barrier timeout must be positive, got %s", s.BarrierTimeout)
	}
	return nil
}

// JoinCoordinator brings a new node into a mesh while the mesh keeps taking
// writes. It runs on a single goroutine; one join per mesh at a time.
type JoinCoordinator struct {
	mesh     *mesh.Mesh
	spec     JoinSpec
	progress *Progress
	machine  *machine

	db     string      // new node database, part of every slot name
	source mesh.Node   // source as listed by itself
	peers  []mesh.Node // every member except the new node, source included
}

// NewJoinCoordinator validates spec and prepares a join. progress may be nil.
func NewJoinCoordinator(m *mesh.Mesh, spec JoinSpec, progress *Progress) (*JoinCoordinator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	db, err := remote.DatabaseName(spec.NewNode.DSN)
	if err != nil {
		return nil, fmt.Errorf("new node %s: %w", spec.NewNode.Name, err)
	}
	sourceSlot := mesh.SlotName(db, spec.Source.Name, mesh.SubscriptionName(spec.Source.Name, spec.NewNode.Name))
	if err := remote.ValidateSlotName(sourceSlot); err != nil {
		return nil, fmt.Errorf("new node %s: %w", spec.NewNode.Name, err)
	}
	if progress == nil {
		progress = NewProgress()
	}
	return &JoinCoordinator{
		mesh:     m,
		spec:     spec,
		progress: progress,
		db:       db,
	}, nil
}

// Progress exposes the tracker of this coordinator
func (j *JoinCoordinator) Progress() *Progress {
	return j.progress
}

// Run executes every step in order and stops at the first failure. A failed
// or cancelled run leaves applied remote state in place; running again
// resumes safely because every step is idempotent.
func (j *JoinCoordinator) Run(ctx context.Context) (err error) {
	j.machine = newMachine(JoinSteps)
	j.progress.begin("join", j.spec.NewNode.Name)

	logger := log.With().
		Str("workflow", "join").
		Str("new_node", j.spec.NewNode.Name).
		Str("source", j.spec.Source.Name).
		Logger()
	logger.Info().Msg("Starting join")
	start := time.Now()

	defer func() {
		j.progress.finish(err)
		switch {
		case err == nil:
			telemetry.JoinRunsTotal.With("success").Inc()
			logger.Info().Dur("elapsed", time.Since(start)).Msg("Join complete")
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			telemetry.JoinRunsTotal.With("cancelled").Inc()
			logger.Warn().Err(err).Msg("Join cancelled")
		default:
			telemetry.JoinRunsTotal.With("failed").Inc()
			logger.Error().Err(err).Msg("Join failed")
		}
	}()

	steps := []struct {
		step Step
		run  func(context.Context) error
	}{
		{StepDiscover, j.discover},
		{StepRegister, j.register},
		{StepPlaceholders, j.createPlaceholders},
		{StepPreallocateSlots, j.preallocateSlots},
		{StepSourceCatchUp, j.sourceCatchUp},
		{StepFullSync, j.fullSync},
		{StepNewNodeCatchUp, j.newNodeCatchUp},
		{StepFastForward, j.fastForward},
		{StepPeerLinks, j.linkPeers},
		{StepActivate, j.activate},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.step, Err: err}
		}
		if err := runStep(ctx, j.machine, j.progress, s.step, s.run); err != nil {
			return err
		}
	}

	if err := j.machine.transitionTo(StepComplete); err != nil {
		return err
	}
	j.progress.stepStarted(StepComplete)
	j.progress.stepFinished(StepComplete, nil)
	telemetry.JoinCurrentStep.Set(float64(StepComplete.Ordinal()))
	return nil
}

// runStep executes one step with progress, metrics and logging. Failures not
// already attributed to a node are wrapped in a StepError.
func runStep(ctx context.Context, m *machine, progress *Progress, step Step, run func(context.Context) error) error {
	if err := m.transitionTo(step); err != nil {
		return err
	}
	progress.stepStarted(step)
	telemetry.JoinCurrentStep.Set(float64(step.Ordinal()))
	log.Info().Str("step", string(step)).Msg("Step started")

	start := time.Now()
	err := run(ctx)
	elapsed := time.Since(start)
	telemetry.JoinStepDurationSeconds.With(string(step)).Observe(elapsed.Seconds())

	if err != nil {
		var stepErr *StepError
		if !errors.As(err, &stepErr) {
			err = &StepError{Step: step, Err: err}
		}
		telemetry.JoinStepsTotal.With(string(step), "failed").Inc()
		progress.stepFinished(step, err)
		return err
	}

	telemetry.JoinStepsTotal.With(string(step), "success").Inc()
	progress.stepFinished(step, nil)
	log.Info().Str("step", string(step)).Dur("elapsed", elapsed).Msg("Step finished")
	return nil
}

// forEachPeer runs action against every peer, even after one fails, and
// reports all failures together
func forEachPeer(ctx context.Context, progress *Progress, step Step, action string, peers []mesh.Node,
	fn func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error)) error {
	var failed PeerErrors
	for _, peer := range peers {
		outcome, err := fn(ctx, peer)
		progress.peerDone(step, peer.Name, action, outcome, err)
		if err != nil {
			log.Warn().Err(err).Str("step", string(step)).Str("peer", peer.Name).Str("action", action).Msg("Peer action failed")
			failed = append(failed, PeerError{Peer: peer.Name, Err: err})
			continue
		}
		log.Debug().Str("step", string(step)).Str("peer", peer.Name).Str("action", action).Stringer("outcome", outcome).Msg("Peer action done")
	}

	if len(failed) > 0 {
		return &StepError{Step: step, Node: strings.Join(failed.Peers(), ","), Err: failed}
	}
	return nil
}

// discoverPeers lists the members known to source, minus node
func discoverPeers(ctx context.Context, m *mesh.Mesh, source mesh.Node, node string) (mesh.Node, []mesh.Node, error) {
	members, err := m.Topology.ListMembers(ctx, source)
	if err != nil {
		return source, nil, err
	}

	var (
		peers []mesh.Node
		found bool
	)
	for _, member := range members {
		if member.Name == node {
			continue
		}
		if member.Name == source.Name {
			found = true
			// the configured descriptor is the one known to work from here
			member.DSN = source.DSN
			source = member
		}
		peers = append(peers, member)
	}
	if !found {
		return source, nil, fmt.Errorf("source %s does not list itself as a mesh member", source.Name)
	}
	return source, peers, nil
}

func (j *JoinCoordinator) discover(ctx context.Context) error {
	source, peers, err := discoverPeers(ctx, j.mesh, j.spec.Source, j.spec.NewNode.Name)
	if err != nil {
		return &StepError{Step: StepDiscover, Node: j.spec.Source.Name, Err: err}
	}
	j.source, j.peers = source, peers

	// slot names derive from member names; reject them before anything is created
	for _, peer := range j.others() {
		if err := remote.ValidateSlotName(j.slotName(peer)); err != nil {
			return &StepError{Step: StepDiscover, Node: peer.Name, Err: err}
		}
	}

	names := make([]string, len(peers))
	for i, p := range peers {
		names[i] = p.Name
	}
	log.Info().Strs("peers", names).Msg("Discovered mesh members")
	return nil
}

// others are the peers the new node is linked to through placeholders
func (j *JoinCoordinator) others() []mesh.Node {
	out := make([]mesh.Node, 0, len(j.peers))
	for _, p := range j.peers {
		if p.Name != j.source.Name {
			out = append(out, p)
		}
	}
	return out
}

func (j *JoinCoordinator) placeholderName(peer mesh.Node) string {
	return mesh.SubscriptionName(peer.Name, j.spec.NewNode.Name)
}

func (j *JoinCoordinator) slotName(peer mesh.Node) string {
	return mesh.SlotName(j.db, peer.Name, j.placeholderName(peer))
}

func (j *JoinCoordinator) subscription(name string, provider mesh.Node) mesh.Subscription {
	return mesh.Subscription{
		Name:           name,
		Provider:       provider,
		Channels:       j.spec.Channels,
		ForwardOrigins: j.spec.ForwardOrigins,
		ApplyDelay:     j.spec.ApplyDelay,
	}
}

func (j *JoinCoordinator) register(ctx context.Context) error {
	outcome, err := j.mesh.Nodes.Register(ctx, j.spec.NewNode)
	if err != nil {
		return &StepError{Step: StepRegister, Node: j.spec.NewNode.Name, Err: err}
	}
	log.Info().Str("node", j.spec.NewNode.Name).Stringer("outcome", outcome).Msg("Node registered")
	return nil
}

func (j *JoinCoordinator) createPlaceholders(ctx context.Context) error {
	return forEachPeer(ctx, j.progress, StepPlaceholders, "create_placeholder", j.others(),
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			sub := j.subscription(j.placeholderName(peer), peer)
			return j.mesh.Subscriptions.Create(ctx, j.spec.NewNode, sub)
		})
}

func (j *JoinCoordinator) preallocateSlots(ctx context.Context) error {
	return forEachPeer(ctx, j.progress, StepPreallocateSlots, "create_slot", j.others(),
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			return j.mesh.Slots.Create(ctx, peer, j.slotName(peer))
		})
}

// sourceCatchUp stops at the first failed barrier; every wait may take up to
// the barrier timeout
func (j *JoinCoordinator) sourceCatchUp(ctx context.Context) error {
	for _, peer := range j.others() {
		marker, err := j.mesh.Barrier.TriggerMarker(ctx, peer)
		if err != nil {
			return &StepError{Step: StepSourceCatchUp, Node: peer.Name, Err: err}
		}
		if err := j.mesh.Barrier.WaitForMarker(ctx, j.source, peer.Name, marker, j.spec.BarrierTimeout); err != nil {
			return &StepError{Step: StepSourceCatchUp, Node: j.source.Name, Err: err}
		}
		j.progress.peerDone(StepSourceCatchUp, peer.Name, "barrier", mesh.Applied, nil)
	}
	return nil
}

func (j *JoinCoordinator) fullSync(ctx context.Context) error {
	sub := j.subscription(mesh.SubscriptionName(j.source.Name, j.spec.NewNode.Name), j.source)
	sub.SyncSchema = true
	sub.SyncData = true
	sub.Enabled = true

	outcome, err := j.mesh.Subscriptions.Create(ctx, j.spec.NewNode, sub)
	if err != nil {
		return &StepError{Step: StepFullSync, Node: j.spec.NewNode.Name, Err: err}
	}
	log.Info().Str("subscription", sub.Name).Stringer("outcome", outcome).Msg("Full sync subscription ready")
	return nil
}

func (j *JoinCoordinator) newNodeCatchUp(ctx context.Context) error {
	marker, err := j.mesh.Barrier.TriggerMarker(ctx, j.source)
	if err != nil {
		return &StepError{Step: StepNewNodeCatchUp, Node: j.source.Name, Err: err}
	}
	if err := j.mesh.Barrier.WaitForMarker(ctx, j.spec.NewNode, j.source.Name, marker, j.spec.BarrierTimeout); err != nil {
		return &StepError{Step: StepNewNodeCatchUp, Node: j.spec.NewNode.Name, Err: err}
	}
	return nil
}

func (j *JoinCoordinator) fastForward(ctx context.Context) error {
	return forEachPeer(ctx, j.progress, StepFastForward, "advance_slot", j.others(),
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			watermark, err := j.mesh.Watermarks.Resolve(ctx, j.spec.NewNode, j.source.Name, peer.Name)
			if err != nil {
				return mesh.Applied, err
			}
			log.Debug().Str("peer", peer.Name).Stringer("watermark", watermark).Msg("Resolved watermark")
			return j.mesh.Slots.Advance(ctx, peer, j.slotName(peer), watermark)
		})
}

func (j *JoinCoordinator) linkPeers(ctx context.Context) error {
	return forEachPeer(ctx, j.progress, StepPeerLinks, "create_subscription", j.peers,
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			sub := j.subscription(mesh.SubscriptionName(j.spec.NewNode.Name, peer.Name), j.spec.NewNode)
			sub.Enabled = true
			return j.mesh.Subscriptions.Create(ctx, peer, sub)
		})
}

func (j *JoinCoordinator) activate(ctx context.Context) error {
	return forEachPeer(ctx, j.progress, StepActivate, "enable_subscription", j.others(),
		func(ctx context.Context, peer mesh.Node) (mesh.Outcome, error) {
			return j.mesh.Subscriptions.Enable(ctx, j.spec.NewNode, j.placeholderName(peer), true)
		})
}
