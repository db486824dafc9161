package coordinator

import (
	"fmt"
	"strings"
)

// StepError reports the step a membership change stopped at and the node the
// failure is attributed to
type StepError struct {
	Step Step
	Node string // member name, or comma-separated peer names for per-peer steps
	Err  error
}

func (e *StepError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed on %s: %v", e.Step, e.Node, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PeerError is the failure of one peer's action within a per-peer step
type PeerError struct {
	Peer string
	Err  error
}

func (e PeerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Peer, e.Err)
}

func (e PeerError) Unwrap() error {
	return e.Err
}

// PeerErrors collects every failed peer of a per-peer step. Peers that
// succeeded are not included.
type PeerErrors []PeerError

func (e PeerErrors) Error() string {
	parts := make([]string, len(e))
	for i, pe := range e {
		parts[i] = pe.Error()
	}
	return fmt.Sprintf("%d peer(s) failed: %s", len(e), strings.Join(parts, "; "))
}

// Unwrap exposes every peer failure to errors.Is and errors.As
func (e PeerErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, pe := range e {
		errs[i] = pe
	}
	return errs
}

// Peers names the failed peers
func (e PeerErrors) Peers() []string {
	names := make([]string, len(e))
	for i, pe := range e {
		names[i] = pe.Peer
	}
	return names
}
