package remote

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// SlotPosition reads a logical slot on the provider.
// Columns: confirmed_flush_lsn (string, NULL until the slot is consistent);
// no rows when absent.
type SlotPosition struct {
	Slot string
}

func (SlotPosition) Name() string { return "slot_position" }

func (o SlotPosition) Statement() (string, []any, error) {
	if err := ValidateSlotName(o.Slot); err != nil {
		return "", nil, err
	}
	return dialect.
		From("pg_replication_slots").
		Select(goqu.Cast(goqu.C("confirmed_flush_lsn"), "text")).
		Where(goqu.C("slot_name").Eq(o.Slot)).
		Prepared(true).
		ToSQL()
}

// CreateSlot creates a logical slot on the provider.
// Columns: lsn (string).
type CreateSlot struct {
	Slot   string
	Plugin string
}

func (CreateSlot) Name() string { return "create_slot" }

func (o CreateSlot) Statement() (string, []any, error) {
	if err := ValidateSlotName(o.Slot); err != nil {
		return "", nil, err
	}
	if err := ValidateIdentifier("plugin", o.Plugin); err != nil {
		return "", nil, err
	}
	return dialect.
		From(goqu.Func("pg_create_logical_replication_slot", goqu.V(o.Slot), goqu.V(o.Plugin))).
		Select(goqu.Cast(goqu.C("lsn"), "text")).
		Prepared(true).
		ToSQL()
}

// AdvanceSlot moves a slot forward to LSN.
// Columns: end_lsn (string).
type AdvanceSlot struct {
	Slot string
	LSN  string
}

func (AdvanceSlot) Name() string { return "advance_slot" }

func (o AdvanceSlot) Statement() (string, []any, error) {
	if err := ValidateSlotName(o.Slot); err != nil {
		return "", nil, err
	}
	if o.LSN == "" {
		return "", nil, fmt.Errorf("slot %s: target lsn is required", o.Slot)
	}
	return dialect.
		From(goqu.Func("pg_replication_slot_advance", goqu.V(o.Slot), goqu.Cast(goqu.V(o.LSN), "pg_lsn"))).
		Select(goqu.Cast(goqu.C("end_lsn"), "text")).
		Prepared(true).
		ToSQL()
}

// DropSlot drops a logical slot on the provider
type DropSlot struct {
	Slot string
}

func (DropSlot) Name() string { return "drop_slot" }

func (o DropSlot) Statement() (string, []any, error) {
	if err := ValidateSlotName(o.Slot); err != nil {
		return "", nil, err
	}
	return selectFunc("pg_drop_replication_slot", goqu.V(o.Slot))
}

// LSNForCommitTime translates a commit time into the provider-side position of
// that commit, as seen through the given slot.
// Columns: lsn (string, NULL when unknown).
type LSNForCommitTime struct {
	Slot       string
	CommitTime time.Time
}

func (LSNForCommitTime) Name() string { return "lsn_for_commit_time" }

func (o LSNForCommitTime) Statement() (string, []any, error) {
	if err := ValidateSlotName(o.Slot); err != nil {
		return "", nil, err
	}
	if o.CommitTime.IsZero() {
		return "", nil, fmt.Errorf("slot %s: commit time is required", o.Slot)
	}
	return dialect.
		Select(goqu.Cast(
			goqu.Func("spock.get_lsn_from_commit_ts", goqu.V(o.Slot), goqu.Cast(goqu.V(o.CommitTime), "timestamptz")),
			"text",
		)).
		Prepared(true).
		ToSQL()
}
