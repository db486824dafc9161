package remote

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// SubscriptionStatus reads a subscription on the subscriber.
// Columns: sub_enabled (bool); no rows when absent.
type SubscriptionStatus struct {
	Subscription string
}

func (SubscriptionStatus) Name() string { return "subscription_status" }

func (o SubscriptionStatus) Statement() (string, []any, error) {
	if err := ValidateIdentifier("subscription", o.Subscription); err != nil {
		return "", nil, err
	}
	return dialect.
		From(goqu.S("spock").Table("subscription")).
		Select(goqu.C("sub_enabled")).
		Where(goqu.C("sub_name").Eq(o.Subscription)).
		Prepared(true).
		ToSQL()
}

// CreateSubscription creates a subscription on the node it is executed on.
// With SyncSchema/SyncData the subscriber copies structure and data from the
// provider as part of creation.
type CreateSubscription struct {
	Subscription   string
	ProviderDSN    string
	Channels       []string
	SyncSchema     bool
	SyncData       bool
	ForwardOrigins []string
	ApplyDelay     time.Duration
	Enabled        bool
}

func (CreateSubscription) Name() string { return "create_subscription" }

func (o CreateSubscription) Statement() (string, []any, error) {
	if err := ValidateIdentifier("subscription", o.Subscription); err != nil {
		return "", nil, err
	}
	if o.ProviderDSN == "" {
		return "", nil, fmt.Errorf("subscription %s: provider dsn is required", o.Subscription)
	}
	if len(o.Channels) == 0 {
		return "", nil, fmt.Errorf("subscription %s: at least one channel is required", o.Subscription)
	}
	if err := validateIdentifiers("channel", o.Channels); err != nil {
		return "", nil, err
	}
	if err := validateIdentifiers("origin", o.ForwardOrigins); err != nil {
		return "", nil, err
	}
	if o.ApplyDelay < 0 {
		return "", nil, fmt.Errorf("subscription %s: negative apply delay", o.Subscription)
	}

	return selectFunc("spock.sub_create",
		named("subscription_name", o.Subscription),
		named("provider_dsn", o.ProviderDSN),
		namedArray("replication_sets", o.Channels),
		named("synchronize_structure", o.SyncSchema),
		named("synchronize_data", o.SyncData),
		namedArray("forward_origins", o.ForwardOrigins),
		namedCast("apply_delay", fmt.Sprintf("%d milliseconds", o.ApplyDelay.Milliseconds()), "interval"),
		named("force_text_transfer", false),
		named("enabled", o.Enabled),
	)
}

// EnableSubscription enables a subscription on the subscriber
type EnableSubscription struct {
	Subscription string
	Immediate    bool
}

func (EnableSubscription) Name() string { return "enable_subscription" }

func (o EnableSubscription) Statement() (string, []any, error) {
	if err := ValidateIdentifier("subscription", o.Subscription); err != nil {
		return "", nil, err
	}
	return selectFunc("spock.sub_enable",
		named("subscription_name", o.Subscription),
		named("immediate", o.Immediate),
	)
}

// DropSubscription drops a subscription; absent subscriptions are ignored
type DropSubscription struct {
	Subscription string
}

func (DropSubscription) Name() string { return "drop_subscription" }

func (o DropSubscription) Statement() (string, []any, error) {
	if err := ValidateIdentifier("subscription", o.Subscription); err != nil {
		return "", nil, err
	}
	return selectFunc("spock.sub_drop",
		named("subscription_name", o.Subscription),
		named("ifexists", true),
	)
}
