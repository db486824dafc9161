// Package meshtest simulates a Spock mesh in memory. It implements
// remote.Executor so the join protocol can be exercised end to end without
// PostgreSQL: members keep an outgoing change stream, subscriptions consume
// from provider slots, sync events and the lag tracker behave like their
// Spock counterparts. Delivery is synchronous and happens after every
// operation unless the mesh is deferred, in which case changes only move on
// wait_for_sync_event or an explicit Settle.
package meshtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/remote"
)

// Row identifies one written row by the member it was written on
type Row struct {
	Origin string
	Seq    uint64
}

// Call is one executed operation
type Call struct {
	Node   string
	Op     remote.Operation
	Result *remote.Result
	Err    error
}

type change struct {
	lsn    pglogrepl.LSN
	origin string
	commit time.Time
	row    Row
	marker bool
}

type subscription struct {
	name     string
	provider *member
	channels []string
	forward  map[string]bool
	enabled  bool
	syncData bool
	started  bool
	position pglogrepl.LSN
}

type slot struct {
	name      string
	confirmed pglogrepl.LSN
}

type member struct {
	name       string
	dsn        string
	db         string
	id         int64
	registered bool
	location   string
	country    string
	info       string
	nextLSN    pglogrepl.LSN
	wal        []change
	rows       map[Row]int
	subs       map[string]*subscription
	slots      map[string]*slot
	lag        map[[2]string]time.Time
	hung       bool
	writeSeq   uint64
}

// Mesh is an in-memory Spock mesh
type Mesh struct {
	mu       sync.Mutex
	members  map[string]*member // by dsn
	byName   map[string]*member
	nextID   int64
	clock    time.Time
	commits  map[Row]time.Time
	calls    []Call
	failures map[string]error
	onCall   func(Call)
	deferred bool
}

// New creates an empty mesh
func New() *Mesh {
	return &Mesh{
		members:  make(map[string]*member),
		byName:   make(map[string]*member),
		nextID:   1,
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		commits:  make(map[Row]time.Time),
		failures: make(map[string]error),
	}
}

// DSN is the connection descriptor the simulation assigns to name
func DSN(name string) string {
	return fmt.Sprintf("host=%s port=5432 dbname=pgedge user=pgedge", name)
}

// AddNode adds a registered member
func (m *Mesh) AddNode(name string) mesh.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb := m.addMember(name)
	mb.registered = true
	mb.id = m.nextID
	m.nextID++
	return mb.node()
}

// NewNode adds a member without a registered identity, ready to be joined
func (m *Mesh) NewNode(name string) mesh.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addMember(name).node()
}

func (m *Mesh) addMember(name string) *member {
	mb := &member{
		name:    name,
		dsn:     DSN(name),
		db:      "pgedge",
		nextLSN: 0x1000000,
		rows:    make(map[Row]int),
		subs:    make(map[string]*subscription),
		slots:   make(map[string]*slot),
		lag:     make(map[[2]string]time.Time),
	}
	m.members[mb.dsn] = mb
	m.byName[name] = mb
	return mb
}

// Connect subscribes every pair of the named members to each other, starting
// at the providers' current positions
func (m *Mesh) Connect(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range names {
		for _, p := range names {
			if s == p {
				continue
			}
			sub, prov := m.byName[s], m.byName[p]
			name := mesh.SubscriptionName(p, s)
			sub.subs[name] = &subscription{
				name:     name,
				provider: prov,
				channels: []string{"default"},
				enabled:  true,
			}
			m.start(sub, sub.subs[name])
		}
	}
}

// Write commits a new row on name and replicates it
func (m *Mesh) Write(name string) Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb := m.byName[name]
	mb.writeSeq++
	row := Row{Origin: name, Seq: mb.writeSeq}
	commit := m.tick()
	m.commits[row] = commit
	mb.rows[row]++
	mb.append(change{origin: name, commit: commit, row: row})
	if !m.deferred {
		m.settle()
	}
	return row
}

// Defer stops automatic delivery. Subscriptions then only apply changes when
// a sync event wait needs them or Settle is called.
func (m *Mesh) Defer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = true
}

// Settle delivers every pending change
func (m *Mesh) Settle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle()
}

// AppliedPosition is how far on has consumed the stream of origin; zero when
// on has no started subscription from origin
func (m *Mesh) AppliedPosition(on, origin string) pglogrepl.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pos pglogrepl.LSN
	for _, sub := range m.byName[on].subs {
		if sub.provider.name == origin && sub.started && sub.position > pos {
			pos = sub.position
		}
	}
	return pos
}

// End is the last position of name's outgoing stream
func (m *Mesh) End(name string) pglogrepl.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name].end()
}

// AppliedCount is how many times row was applied on name
func (m *Mesh) AppliedCount(name string, row Row) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name].rows[row]
}

// Rows returns every row present on name
func (m *Mesh) Rows(name string) map[Row]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Row]int, len(m.byName[name].rows))
	for r, n := range m.byName[name].rows {
		out[r] = n
	}
	return out
}

// Registered reports whether name holds a node identity
func (m *Mesh) Registered(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name].registered
}

// SubscriptionEnabled reports the state of a subscription; ok is false when absent
func (m *Mesh) SubscriptionEnabled(on, subscription string) (enabled, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byName[on].subs[subscription]
	if !ok {
		return false, false
	}
	return sub.enabled, true
}

// HasSlot reports whether slot exists on name
func (m *Mesh) HasSlot(name, slotName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.byName[name].slots[slotName]
	return ok
}

// Hang makes every sync event wait on name block until its context ends
func (m *Mesh) Hang(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[name].hung = true
}

// FailNext makes the next op named opName on member name fail with err
func (m *Mesh) FailNext(name, opName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name+"/"+opName] = err
}

// OnCall registers a hook run after every operation, outside the mesh lock
func (m *Mesh) OnCall(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = fn
}

// Calls returns every executed operation in order
func (m *Mesh) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Exec implements remote.Executor
func (m *Mesh) Exec(ctx context.Context, dsn string, op remote.Operation) (*remote.Result, error) {
	if _, _, err := op.Statement(); err != nil {
		return nil, remote.InvalidRequest(op.Name(), remote.Endpoint(dsn), err)
	}

	m.mu.Lock()
	mb, ok := m.members[dsn]
	if !ok {
		m.mu.Unlock()
		return nil, &remote.Error{Kind: remote.KindUnreachable, Endpoint: remote.Endpoint(dsn), Op: op.Name(), Err: errors.New("no such host")}
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, ctxError(mb, op, err)
	}

	if wait, ok := op.(remote.WaitForSyncEvent); ok && mb.hung {
		m.mu.Unlock()
		return m.hang(ctx, mb, wait)
	}

	var (
		res *remote.Result
		err error
	)
	key := mb.name + "/" + op.Name()
	if injected, ok := m.failures[key]; ok {
		delete(m.failures, key)
		err = injected
	} else {
		res, err = m.apply(mb, op)
		if !m.deferred {
			m.settle()
		}
	}

	call := Call{Node: mb.name, Op: op, Result: res, Err: err}
	m.calls = append(m.calls, call)
	hook := m.onCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return res, err
}

func (m *Mesh) hang(ctx context.Context, mb *member, op remote.WaitForSyncEvent) (*remote.Result, error) {
	<-ctx.Done()
	err := ctxError(mb, op, ctx.Err())

	m.mu.Lock()
	call := Call{Node: mb.name, Op: op, Err: err}
	m.calls = append(m.calls, call)
	hook := m.onCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return nil, err
}

func ctxError(mb *member, op remote.Operation, err error) error {
	kind := remote.KindUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = remote.KindTimeout
	}
	return &remote.Error{Kind: kind, Endpoint: remote.Endpoint(mb.dsn), Op: op.Name(), Err: err}
}

func (m *Mesh) apply(mb *member, op remote.Operation) (*remote.Result, error) {
	endpoint := remote.Endpoint(mb.dsn)
	fault := func(code, format string, args ...any) error {
		return remote.Fault(op.Name(), endpoint, code, fmt.Sprintf(format, args...))
	}

	switch o := op.(type) {
	case remote.ListNodes:
		return m.listNodes(mb), nil

	case remote.LookupNode:
		for _, n := range m.known(mb) {
			if n.name == o.Node {
				return row(n.id), nil
			}
		}
		return empty(), nil

	case remote.CreateNode:
		if mb.registered {
			return nil, fault("23505", "node %s already exists", mb.name)
		}
		mb.registered = true
		mb.id = m.nextID
		m.nextID++
		mb.location, mb.country, mb.info = o.Location, o.Country, o.Info
		return row(mb.id), nil

	case remote.DropNode:
		if mb.registered && mb.name == o.Node {
			mb.registered = false
		}
		return row(true), nil

	case remote.SubscriptionStatus:
		sub, ok := mb.subs[o.Subscription]
		if !ok {
			return empty(), nil
		}
		return row(sub.enabled), nil

	case remote.CreateSubscription:
		return m.createSubscription(mb, o, fault)

	case remote.EnableSubscription:
		sub, ok := mb.subs[o.Subscription]
		if !ok {
			return nil, fault("42704", "subscription %s not found", o.Subscription)
		}
		sub.enabled = true
		m.start(mb, sub)
		return row(true), nil

	case remote.DropSubscription:
		if sub, ok := mb.subs[o.Subscription]; ok {
			delete(mb.subs, o.Subscription)
			delete(sub.provider.slots, mesh.SlotName(mb.db, sub.provider.name, sub.name))
		}
		return row(true), nil

	case remote.SlotPosition:
		s, ok := mb.slots[o.Slot]
		if !ok {
			return empty(), nil
		}
		return row(s.confirmed.String()), nil

	case remote.CreateSlot:
		if _, ok := mb.slots[o.Slot]; ok {
			return nil, fault("42710", "replication slot %q already exists", o.Slot)
		}
		mb.slots[o.Slot] = &slot{name: o.Slot, confirmed: mb.end()}
		return row(mb.end().String()), nil

	case remote.AdvanceSlot:
		s, ok := mb.slots[o.Slot]
		if !ok {
			return nil, fault("42704", "replication slot %q does not exist", o.Slot)
		}
		target, err := pglogrepl.ParseLSN(o.LSN)
		if err != nil {
			return nil, fault("22P02", "invalid lsn %q", o.LSN)
		}
		if target < s.confirmed {
			return nil, fault("55000", "cannot advance replication slot to %s, minimum is %s", target, s.confirmed)
		}
		s.confirmed = target
		return row(target.String()), nil

	case remote.DropSlot:
		if _, ok := mb.slots[o.Slot]; !ok {
			return nil, fault("42704", "replication slot %q does not exist", o.Slot)
		}
		delete(mb.slots, o.Slot)
		return row(true), nil

	case remote.LSNForCommitTime:
		if _, ok := mb.slots[o.Slot]; !ok {
			return nil, fault("42704", "replication slot %q does not exist", o.Slot)
		}
		var lsn pglogrepl.LSN
		for _, c := range mb.wal {
			if c.origin == mb.name && !c.commit.After(o.CommitTime) && c.lsn > lsn {
				lsn = c.lsn
			}
		}
		return row(lsn.String()), nil

	case remote.SyncEvent:
		mb.append(change{origin: mb.name, commit: m.tick(), marker: true})
		return row(mb.end().String()), nil

	case remote.WaitForSyncEvent:
		lsn, err := pglogrepl.ParseLSN(o.LSN)
		if err != nil {
			return nil, fault("22P02", "invalid lsn %q", o.LSN)
		}
		for _, name := range sortedKeys(mb.subs) {
			sub := mb.subs[name]
			if sub.provider.name != o.Origin {
				continue
			}
			if m.deferred {
				m.deliver(mb, sub, lsn)
			}
			if sub.started && sub.position >= lsn {
				return row(true), nil
			}
		}
		return row(false), nil

	case remote.LagTracker:
		ts, ok := mb.lag[[2]string{o.Origin, o.Receiver}]
		if !ok {
			return empty(), nil
		}
		return row(ts, m.clock.Sub(ts).Seconds()), nil
	}

	return nil, fault("0A000", "operation %s is not simulated", op.Name())
}

func (m *Mesh) createSubscription(mb *member, o remote.CreateSubscription, fault func(string, string, ...any) error) (*remote.Result, error) {
	if _, ok := mb.subs[o.Subscription]; ok {
		return nil, fault("42710", "subscription %s already exists", o.Subscription)
	}
	if !mb.registered {
		return nil, fault("55000", "local node not found")
	}
	provider, ok := m.members[o.ProviderDSN]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindUnreachable, Endpoint: remote.Endpoint(o.ProviderDSN), Op: o.Name(), Err: errors.New("provider unreachable")}
	}
	if !provider.registered {
		return nil, fault("55000", "provider %s has no node identity", provider.name)
	}

	sub := &subscription{
		name:     o.Subscription,
		provider: provider,
		channels: o.Channels,
		forward:  make(map[string]bool),
		enabled:  o.Enabled,
		syncData: o.SyncData,
	}
	for _, origin := range o.ForwardOrigins {
		sub.forward[origin] = true
	}
	mb.subs[o.Subscription] = sub

	if o.SyncData {
		m.copyData(mb, sub)
	}
	if sub.enabled {
		m.start(mb, sub)
	}
	return row(int64(len(mb.subs))), nil
}

// copyData copies the provider's rows onto the subscriber and records, per
// origin, the latest commit received through the provider
func (m *Mesh) copyData(mb *member, sub *subscription) {
	p := sub.provider
	for r := range p.rows {
		if r.Origin == mb.name {
			continue
		}
		mb.rows[r]++
		commit := m.commits[r]
		key := [2]string{p.name, r.Origin}
		if r.Origin == p.name {
			key = [2]string{p.name, mb.name}
		}
		if commit.After(mb.lag[key]) {
			mb.lag[key] = commit
		}
	}

	slotName := mesh.SlotName(mb.db, p.name, sub.name)
	p.slots[slotName] = &slot{name: slotName, confirmed: p.end()}
	sub.position = p.end()
	sub.started = true
}

// start attaches an enabled subscription to its provider slot, creating the
// slot at the provider's current end when absent
func (m *Mesh) start(mb *member, sub *subscription) {
	if sub.started {
		return
	}
	slotName := mesh.SlotName(mb.db, sub.provider.name, sub.name)
	s, ok := sub.provider.slots[slotName]
	if !ok {
		s = &slot{name: slotName, confirmed: sub.provider.end()}
		sub.provider.slots[slotName] = s
	}
	sub.position = s.confirmed
	sub.started = true
}

// settle delivers every pending change until no subscription makes progress
func (m *Mesh) settle() {
	for progress := true; progress; {
		progress = false
		for _, name := range m.names() {
			mb := m.byName[name]
			for _, subName := range sortedKeys(mb.subs) {
				if m.deliver(mb, mb.subs[subName], 0) {
					progress = true
				}
			}
		}
	}
}

// deliver applies the provider's pending changes up to limit; zero means all
func (m *Mesh) deliver(mb *member, sub *subscription, limit pglogrepl.LSN) bool {
	if !sub.enabled || !sub.started {
		return false
	}
	p := sub.provider
	slotName := mesh.SlotName(mb.db, p.name, sub.name)

	delivered := false
	for _, c := range p.wal {
		if c.lsn <= sub.position {
			continue
		}
		if limit != 0 && c.lsn > limit {
			break
		}
		sub.position = c.lsn
		if s, ok := p.slots[slotName]; ok && c.lsn > s.confirmed {
			s.confirmed = c.lsn
		}
		delivered = true

		if c.origin == mb.name || (c.origin != p.name && !sub.forward[c.origin]) {
			continue
		}
		if c.marker {
			continue
		}
		mb.rows[c.row]++
		mb.append(change{origin: c.origin, commit: c.commit, row: c.row})
		mb.lag[[2]string{p.name, mb.name}] = c.commit
	}
	return delivered
}

func (m *Mesh) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *Mesh) names() []string {
	return sortedKeys(m.byName)
}

// known lists the identities visible on mb: itself plus the providers and
// subscribers it is linked to
func (m *Mesh) known(mb *member) []*member {
	seen := make(map[string]*member)
	if mb.registered {
		seen[mb.name] = mb
	}
	for _, sub := range mb.subs {
		if sub.provider.registered {
			seen[sub.provider.name] = sub.provider
		}
	}
	for _, other := range m.byName {
		if !other.registered {
			continue
		}
		for _, sub := range other.subs {
			if sub.provider == mb {
				seen[other.name] = other
			}
		}
	}

	out := make([]*member, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Mesh) listNodes(mb *member) *remote.Result {
	res := &remote.Result{Columns: []string{"node_id", "node_name", "location", "country", "info", "if_dsn"}}
	for _, n := range m.known(mb) {
		res.Rows = append(res.Rows, []any{n.id, n.name, n.location, n.country, n.info, n.dsn})
	}
	return res
}

func (mb *member) append(c change) {
	mb.nextLSN += 0x100
	c.lsn = mb.nextLSN
	mb.wal = append(mb.wal, c)
}

func (mb *member) end() pglogrepl.LSN {
	return mb.nextLSN
}

func (mb *member) node() mesh.Node {
	return mesh.Node{ID: mb.id, Name: mb.name, DSN: mb.dsn}
}

func row(values ...any) *remote.Result {
	return &remote.Result{Rows: [][]any{values}}
}

func empty() *remote.Result {
	return &remote.Result{}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
