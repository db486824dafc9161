package mesh

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/remote"
)

// Nodes registers and removes node identities
type Nodes struct {
	ex remote.Executor
}

// Exists reports whether n has registered its identity at its own endpoint
func (r *Nodes) Exists(ctx context.Context, n Node) (bool, error) {
	res, err := r.ex.Exec(ctx, n.DSN, remote.LookupNode{Node: n.Name})
	if err != nil {
		return false, err
	}
	return !res.Empty(), nil
}

// Register creates n's identity at its own endpoint unless it already exists
func (r *Nodes) Register(ctx context.Context, n Node) (Outcome, error) {
	exists, err := r.Exists(ctx, n)
	if err != nil {
		return Applied, err
	}
	if exists {
		log.Debug().Str("node", n.Name).Msg("Node identity already registered")
		return AlreadySatisfied, nil
	}

	_, err = r.ex.Exec(ctx, n.DSN, remote.CreateNode{
		Node:     n.Name,
		DSN:      n.DSN,
		Location: n.Location,
		Country:  n.Country,
		Info:     n.Info,
	})
	if err != nil {
		return Applied, err
	}
	log.Info().Str("node", n.Name).Msg("Registered node identity")
	return Applied, nil
}

// Drop removes n's identity from its own endpoint
func (r *Nodes) Drop(ctx context.Context, n Node) (Outcome, error) {
	exists, err := r.Exists(ctx, n)
	if err != nil {
		return Applied, err
	}
	if !exists {
		return AlreadySatisfied, nil
	}

	if _, err := r.ex.Exec(ctx, n.DSN, remote.DropNode{Node: n.Name}); err != nil {
		return Applied, err
	}
	log.Info().Str("node", n.Name).Msg("Dropped node identity")
	return Applied, nil
}
