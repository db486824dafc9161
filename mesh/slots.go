package mesh

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/spockmesh/meshjoin/telemetry"
)

// SQLSTATE values used for faults detected before the provider is asked
const (
	codeUndefinedObject = "42704"
	codeNoDataFound     = "P0002"
)

// Slots manages logical replication slots on providers. A slot never moves
// backward.
type Slots struct {
	ex     remote.Executor
	plugin string
}

// Position returns the confirmed position of slot name. exists is false when
// the slot is absent; a slot that has not confirmed anything yet reports 0.
func (s *Slots) Position(ctx context.Context, on Node, name string) (lsn pglogrepl.LSN, exists bool, err error) {
	res, err := s.ex.Exec(ctx, on.DSN, remote.SlotPosition{Slot: name})
	if err != nil {
		return 0, false, err
	}
	if res.Empty() {
		return 0, false, nil
	}
	text, ok := res.String(0)
	if !ok {
		return 0, true, nil
	}
	lsn, err = pglogrepl.ParseLSN(text)
	if err != nil {
		return 0, true, fmt.Errorf("slot %s on %s: %w", name, on.Name, err)
	}
	return lsn, true, nil
}

// Create creates slot name on the provider unless it exists
func (s *Slots) Create(ctx context.Context, on Node, name string) (Outcome, error) {
	_, exists, err := s.Position(ctx, on, name)
	if err != nil {
		return Applied, err
	}
	if exists {
		log.Debug().Str("slot", name).Str("provider", on.Name).Msg("Slot already exists")
		return AlreadySatisfied, nil
	}

	if _, err := s.ex.Exec(ctx, on.DSN, remote.CreateSlot{Slot: name, Plugin: s.plugin}); err != nil {
		return Applied, err
	}
	log.Info().Str("slot", name).Str("provider", on.Name).Msg("Created replication slot")
	return Applied, nil
}

// Advance fast-forwards slot name to the provider position of target. An
// absent watermark, or a target at or behind the slot, leaves the slot
// untouched.
func (s *Slots) Advance(ctx context.Context, on Node, name string, target Watermark) (Outcome, error) {
	outcome, err := s.advance(ctx, on, name, target)
	switch {
	case err != nil:
		telemetry.SlotAdvanceTotal.With("failed").Inc()
	case outcome == AlreadySatisfied:
		telemetry.SlotAdvanceTotal.With("already_satisfied").Inc()
	default:
		telemetry.SlotAdvanceTotal.With("advanced").Inc()
	}
	return outcome, err
}

func (s *Slots) advance(ctx context.Context, on Node, name string, target Watermark) (Outcome, error) {
	if target.IsZero() {
		log.Debug().Str("slot", name).Str("provider", on.Name).Msg("No watermark, slot left in place")
		return AlreadySatisfied, nil
	}

	current, exists, err := s.Position(ctx, on, name)
	if err != nil {
		return Applied, err
	}
	if !exists {
		return Applied, remote.Fault("advance_slot", remote.Endpoint(on.DSN), codeUndefinedObject,
			fmt.Sprintf("replication slot %q does not exist", name))
	}

	res, err := s.ex.Exec(ctx, on.DSN, remote.LSNForCommitTime{Slot: name, CommitTime: target.commitTime})
	if err != nil {
		return Applied, err
	}
	text, ok := res.String(0)
	if !ok {
		return Applied, remote.Fault("lsn_for_commit_time", remote.Endpoint(on.DSN), codeNoDataFound,
			fmt.Sprintf("no position for commit time %s", target))
	}
	lsn, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return Applied, fmt.Errorf("slot %s on %s: %w", name, on.Name, err)
	}

	if lsn <= current {
		log.Debug().
			Str("slot", name).
			Str("provider", on.Name).
			Stringer("target", lsn).
			Stringer("current", current).
			Msg("Slot already at or past target")
		return AlreadySatisfied, nil
	}

	if _, err := s.ex.Exec(ctx, on.DSN, remote.AdvanceSlot{Slot: name, LSN: lsn.String()}); err != nil {
		return Applied, err
	}
	log.Info().
		Str("slot", name).
		Str("provider", on.Name).
		Stringer("from", current).
		Stringer("to", lsn).
		Stringer("watermark", target).
		Msg("Advanced replication slot")
	return Applied, nil
}

// Drop drops slot name from the provider
func (s *Slots) Drop(ctx context.Context, on Node, name string) (Outcome, error) {
	_, exists, err := s.Position(ctx, on, name)
	if err != nil {
		return Applied, err
	}
	if !exists {
		return AlreadySatisfied, nil
	}

	if _, err := s.ex.Exec(ctx, on.DSN, remote.DropSlot{Slot: name}); err != nil {
		return Applied, err
	}
	log.Info().Str("slot", name).Str("provider", on.Name).Msg("Dropped replication slot")
	return Applied, nil
}
