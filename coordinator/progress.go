package coordinator

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spockmesh/meshjoin/mesh"
)

// Step states reported by Progress
const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// PeerStatus is the result of one peer action within a step
type PeerStatus struct {
	Peer    string `json:"peer"`
	Action  string `json:"action"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StepStatus is the state of one step of the current run
type StepStatus struct {
	Step       Step         `json:"step"`
	State      string       `json:"state"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
	Peers      []PeerStatus `json:"peers,omitempty"`
}

// Snapshot is a consistent-enough view of a run for reporting
type Snapshot struct {
	Workflow   string       `json:"workflow"`
	Node       string       `json:"node"`
	Current    Step         `json:"current_step"`
	Running    bool         `json:"running"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepStatus `json:"steps"`
}

type runInfo struct {
	workflow   string
	node       string
	startedAt  time.Time
	finishedAt time.Time
	err        string
}

// Progress tracks the run in flight. Writers are the coordinator's single
// thread; readers (the admin server) may call Snapshot concurrently.
type Progress struct {
	run     atomic.Pointer[runInfo]
	current atomic.Pointer[Step]
	steps   *xsync.MapOf[Step, StepStatus]
}

// NewProgress creates an idle tracker
func NewProgress() *Progress {
	p := &Progress{steps: xsync.NewMapOf[Step, StepStatus]()}
	idle := StepIdle
	p.current.Store(&idle)
	return p
}

func (p *Progress) begin(workflow, node string) {
	p.steps.Clear()
	p.setCurrent(StepIdle)
	p.run.Store(&runInfo{workflow: workflow, node: node, startedAt: time.Now()})
}

func (p *Progress) finish(err error) {
	prev := p.run.Load()
	if prev == nil {
		return
	}
	next := *prev
	next.finishedAt = time.Now()
	if err != nil {
		next.err = err.Error()
	}
	p.run.Store(&next)
}

func (p *Progress) setCurrent(step Step) {
	p.current.Store(&step)
}

func (p *Progress) stepStarted(step Step) {
	p.setCurrent(step)
	p.steps.Store(step, StepStatus{Step: step, State: StateRunning, StartedAt: time.Now()})
}

func (p *Progress) stepFinished(step Step, err error) {
	p.steps.Compute(step, func(old StepStatus, loaded bool) (StepStatus, bool) {
		now := time.Now()
		old.Step = step
		old.FinishedAt = &now
		old.State = StateDone
		if err != nil {
			old.State = StateFailed
			old.Error = err.Error()
		}
		return old, false
	})
}

func (p *Progress) peerDone(step Step, peer, action string, outcome mesh.Outcome, err error) {
	status := PeerStatus{Peer: peer, Action: action}
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Outcome = outcome.String()
	}

	p.steps.Compute(step, func(old StepStatus, loaded bool) (StepStatus, bool) {
		peers := make([]PeerStatus, len(old.Peers), len(old.Peers)+1)
		copy(peers, old.Peers)
		old.Peers = append(peers, status)
		return old, false
	})
}

// Current returns the step in progress, or the last step reached
func (p *Progress) Current() Step {
	return *p.current.Load()
}

// Snapshot returns the state of the current or last run
func (p *Progress) Snapshot() Snapshot {
	snap := Snapshot{Current: p.Current()}

	if run := p.run.Load(); run != nil {
		started := run.startedAt
		snap.Workflow = run.workflow
		snap.Node = run.node
		snap.StartedAt = &started
		snap.Error = run.err
		if run.finishedAt.IsZero() {
			snap.Running = true
		} else {
			finished := run.finishedAt
			snap.FinishedAt = &finished
		}
	}

	p.steps.Range(func(_ Step, status StepStatus) bool {
		snap.Steps = append(snap.Steps, status)
		return true
	})
	sort.Slice(snap.Steps, func(i, j int) bool {
		return snap.Steps[i].Step.Ordinal() < snap.Steps[j].Step.Ordinal()
	})
	return snap
}
