package mesh

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/remote"
)

// Subscriptions manages subscriptions on subscribers. Faults are returned as
// reported; nothing is retried here.
type Subscriptions struct {
	ex remote.Executor
}

// Status reads subscription name on the subscriber
func (s *Subscriptions) Status(ctx context.Context, on Node, name string) (SubscriptionState, error) {
	res, err := s.ex.Exec(ctx, on.DSN, remote.SubscriptionStatus{Subscription: name})
	if err != nil {
		return SubscriptionAbsent, err
	}
	if res.Empty() {
		return SubscriptionAbsent, nil
	}
	if enabled, _ := res.Bool(0); enabled {
		return SubscriptionEnabled, nil
	}
	return SubscriptionDisabled, nil
}

// Create creates sub on the subscriber unless a subscription of that name
// already exists there
func (s *Subscriptions) Create(ctx context.Context, on Node, sub Subscription) (Outcome, error) {
	state, err := s.Status(ctx, on, sub.Name)
	if err != nil {
		return Applied, err
	}
	if state != SubscriptionAbsent {
		log.Debug().
			Str("subscription", sub.Name).
			Str("subscriber", on.Name).
			Stringer("state", state).
			Msg("Subscription already exists")
		return AlreadySatisfied, nil
	}

	_, err = s.ex.Exec(ctx, on.DSN, remote.CreateSubscription{
		Subscription:   sub.Name,
		ProviderDSN:    sub.Provider.DSN,
		Channels:       sub.Channels,
		SyncSchema:     sub.SyncSchema,
		SyncData:       sub.SyncData,
		ForwardOrigins: sub.ForwardOrigins,
		ApplyDelay:     sub.ApplyDelay,
		Enabled:        sub.Enabled,
	})
	if err != nil {
		return Applied, err
	}

	log.Info().
		Str("subscription", sub.Name).
		Str("provider", sub.Provider.Name).
		Str("subscriber", on.Name).
		Bool("enabled", sub.Enabled).
		Bool("sync_data", sub.SyncData).
		Msg("Created subscription")
	return Applied, nil
}

// Enable enables subscription name on the subscriber. Enabling a missing
// subscription is a remote fault.
func (s *Subscriptions) Enable(ctx context.Context, on Node, name string, immediate bool) (Outcome, error) {
	state, err := s.Status(ctx, on, name)
	if err != nil {
		return Applied, err
	}
	if state == SubscriptionEnabled {
		return AlreadySatisfied, nil
	}

	if _, err := s.ex.Exec(ctx, on.DSN, remote.EnableSubscription{Subscription: name, Immediate: immediate}); err != nil {
		return Applied, err
	}
	log.Info().Str("subscription", name).Str("subscriber", on.Name).Msg("Enabled subscription")
	return Applied, nil
}

// Drop drops subscription name from the subscriber
func (s *Subscriptions) Drop(ctx context.Context, on Node, name string) (Outcome, error) {
	state, err := s.Status(ctx, on, name)
	if err != nil {
		return Applied, err
	}
	if state == SubscriptionAbsent {
		return AlreadySatisfied, nil
	}

	if _, err := s.ex.Exec(ctx, on.DSN, remote.DropSubscription{Subscription: name}); err != nil {
		return Applied, err
	}
	log.Info().Str("subscription", name).Str("subscriber", on.Name).Msg("Dropped subscription")
	return Applied, nil
}
