package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/coordinator"
	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/remote"
)

// MemberLister lists the current mesh members
type MemberLister interface {
	Members(ctx context.Context) ([]mesh.Node, error)
}

// LagReporter reports how far a member trails its peers
type LagReporter interface {
	Report(ctx context.Context) ([]coordinator.LagEntry, error)
}

// SourceMembers lists members as observed from one source node
type SourceMembers struct {
	Topology *mesh.Topology
	Source   mesh.Node
}

// Members implements MemberLister
func (s SourceMembers) Members(ctx context.Context) ([]mesh.Node, error) {
	return s.Topology.ListMembers(ctx, s.Source)
}

// Handlers serves the admin API. Nil collaborators answer 503.
type Handlers struct {
	progress *coordinator.Progress
	members  MemberLister
	lag      LagReporter
	timeout  time.Duration
}

// NewHandlers creates the admin handlers. timeout bounds every remote read.
func NewHandlers(progress *coordinator.Progress, members MemberLister, lag LagReporter, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{progress: progress, members: members, lag: lag, timeout: timeout}
}

type memberResponse struct {
	ID       int64  `json:"node_id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Location string `json:"location,omitempty"`
	Country  string `json:"country,omitempty"`
	Info     string `json:"info,omitempty"`
}

type lagResponse struct {
	Origin     string  `json:"origin"`
	Receiver   string  `json:"receiver"`
	LagSeconds float64 `json:"lag_seconds"`
	Known      bool    `json:"known"`
}

// handleJoin handles GET /admin/join
func (h *Handlers) handleJoin(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "no membership change in this process")
		return
	}
	writeJSONResponse(w, h.progress.Snapshot())
}

// handleMembers handles GET /admin/members
func (h *Handlers) handleMembers(w http.ResponseWriter, r *http.Request) {
	if h.members == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "member listing unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	nodes, err := h.members.Members(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Admin member listing failed")
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	resp := make([]memberResponse, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, memberResponse{
			ID:       n.ID,
			Name:     n.Name,
			Endpoint: remote.Endpoint(n.DSN),
			Location: n.Location,
			Country:  n.Country,
			Info:     n.Info,
		})
	}
	writeJSONResponse(w, resp)
}

// handleLag handles GET /admin/lag
func (h *Handlers) handleLag(w http.ResponseWriter, r *http.Request) {
	if h.lag == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "lag report unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.lag.Report(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Admin lag report failed")
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	resp := make([]lagResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, lagResponse{
			Origin:     e.Origin,
			Receiver:   e.Receiver,
			LagSeconds: e.Lag.Seconds(),
			Known:      e.Known,
		})
	}
	writeJSONResponse(w, resp)
}

// statusFor maps remote failures to a gateway status
func statusFor(err error) int {
	switch {
	case remote.IsKind(err, remote.KindTimeout):
		return http.StatusGatewayTimeout
	case remote.IsKind(err, remote.KindUnreachable), remote.IsKind(err, remote.KindRemoteFault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
