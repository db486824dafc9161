// Package mesh provides typed, idempotent primitives over the members of a
// Spock replication mesh. Every primitive addresses exactly one member and
// goes through a remote.Executor.
package mesh

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/spockmesh/meshjoin/remote"
)

// maxSlotNameLength is PostgreSQL's NAMEDATALEN - 1
const maxSlotNameLength = 63

// DefaultSlotPlugin is the output plugin Spock subscriptions consume from
const DefaultSlotPlugin = "spock_output"

// Node is one mesh member
type Node struct {
	ID       int64
	Name     string
	DSN      string
	Location string
	Country  string
	Info     string
}

func (n Node) String() string {
	return n.Name
}

// Subscription is a directed replication edge from Provider to the member it
// is created on
type Subscription struct {
	Name           string
	Provider       Node
	Channels       []string
	SyncSchema     bool
	SyncData       bool
	ForwardOrigins []string
	ApplyDelay     time.Duration
	Enabled        bool
}

// Outcome reports whether an idempotent primitive changed remote state
type Outcome int

const (
	Applied Outcome = iota
	AlreadySatisfied
)

func (o Outcome) String() string {
	if o == AlreadySatisfied {
		return "already_satisfied"
	}
	return "applied"
}

// SubscriptionState is what a subscriber reports for a subscription name
type SubscriptionState int

const (
	SubscriptionAbsent SubscriptionState = iota
	SubscriptionDisabled
	SubscriptionEnabled
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionDisabled:
		return "disabled"
	case SubscriptionEnabled:
		return "enabled"
	default:
		return "absent"
	}
}

// Marker is a position in one member's outgoing change stream, produced by
// Barrier.TriggerMarker
type Marker struct {
	lsn pglogrepl.LSN
}

func (m Marker) String() string {
	return m.lsn.String()
}

// Compare orders markers of the same origin: -1, 0 or +1
func (m Marker) Compare(other Marker) int {
	switch {
	case m.lsn < other.lsn:
		return -1
	case m.lsn > other.lsn:
		return 1
	default:
		return 0
	}
}

// Watermark is the commit time up to which a receiver already holds an
// origin's changes. The zero value means nothing was received.
type Watermark struct {
	commitTime time.Time
}

// IsZero reports an absent watermark
func (w Watermark) IsZero() bool {
	return w.commitTime.IsZero()
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "none"
	}
	return w.commitTime.UTC().Format(time.RFC3339Nano)
}

// Mesh bundles the primitives over one executor
type Mesh struct {
	Topology      *Topology
	Nodes         *Nodes
	Subscriptions *Subscriptions
	Slots         *Slots
	Barrier       *Barrier
	Watermarks    *Watermarks
}

// Options tunes the primitives
type Options struct {
	SlotPlugin string
}

// New creates the primitives over ex
func New(ex remote.Executor, opts Options) *Mesh {
	if opts.SlotPlugin == "" {
		opts.SlotPlugin = DefaultSlotPlugin
	}
	return &Mesh{
		Topology:      &Topology{ex: ex},
		Nodes:         &Nodes{ex: ex},
		Subscriptions: &Subscriptions{ex: ex},
		Slots:         &Slots{ex: ex, plugin: opts.SlotPlugin},
		Barrier:       &Barrier{ex: ex},
		Watermarks:    &Watermarks{ex: ex},
	}
}

// SubscriptionName names the subscription on subscriber that consumes from provider
func SubscriptionName(provider, subscriber string) string {
	return fmt.Sprintf("sub_%s_%s", provider, subscriber)
}

// SlotName names the provider-side slot a subscription consumes from. dbname
// is the subscriber's database.
func SlotName(dbname, provider, subscription string) string {
	name := fmt.Sprintf("spk_%s_%s_%s", dbname, provider, subscription)
	if len(name) > maxSlotNameLength {
		name = name[:maxSlotNameLength]
	}
	return name
}
