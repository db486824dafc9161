package coordinator

import (
	"context"
	"time"

	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/telemetry"
)

// StepLag attributes lag report failures
const StepLag Step = "lag"

// LagEntry is how far node trails one peer
type LagEntry struct {
	Origin   string        `json:"origin"`
	Receiver string        `json:"receiver"`
	Lag      time.Duration `json:"lag_ns"`
	Known    bool          `json:"known"` // false until anything from origin arrived
}

// LagReport reads, on node, the lag behind every peer
func LagReport(ctx context.Context, m *mesh.Mesh, node mesh.Node, peers []mesh.Node) ([]LagEntry, error) {
	entries := make([]LagEntry, 0, len(peers))
	for _, peer := range peers {
		if peer.Name == node.Name {
			continue
		}
		lag, known, err := m.Watermarks.Lag(ctx, node, peer.Name, node.Name)
		if err != nil {
			return nil, &StepError{Step: StepLag, Node: node.Name, Err: err}
		}
		entries = append(entries, LagEntry{Origin: peer.Name, Receiver: node.Name, Lag: lag, Known: known})
	}
	return entries, nil
}

// LagMonitor samples the lag of one member behind its peers, rediscovering
// the peers on every sample
type LagMonitor struct {
	Mesh   *mesh.Mesh
	Source mesh.Node
	Node   mesh.Node
}

// Report discovers the peers and reads their lag
func (l *LagMonitor) Report(ctx context.Context) ([]LagEntry, error) {
	_, peers, err := discoverPeers(ctx, l.Mesh, l.Source, l.Node.Name)
	if err != nil {
		return nil, &StepError{Step: StepDiscover, Node: l.Source.Name, Err: err}
	}
	return LagReport(ctx, l.Mesh, l.Node, peers)
}

// LagSamples implements telemetry.LagSource
func (l *LagMonitor) LagSamples(ctx context.Context) ([]telemetry.LagSample, error) {
	entries, err := l.Report(ctx)
	if err != nil {
		return nil, err
	}
	samples := make([]telemetry.LagSample, len(entries))
	for i, e := range entries {
		samples[i] = telemetry.LagSample{
			Origin:   e.Origin,
			Receiver: e.Receiver,
			Seconds:  e.Lag.Seconds(),
			Known:    e.Known,
		}
	}
	return samples, nil
}
