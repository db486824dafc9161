package cfg

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/remote"
)

// NodeConfiguration describes one mesh member by name and connection descriptor
type NodeConfiguration struct {
	Name     string `toml:"name"`
	DSN      string `toml:"dsn"`
	Location string `toml:"location"`
	Country  string `toml:"country"`
	Info     string `toml:"info"` // JSON document stored with the node identity
}

// ReplicationConfiguration controls the subscriptions and slots created for a join
type ReplicationConfiguration struct {
	Channels       []string `toml:"channels"`    // Spock replication sets
	SlotPlugin     string   `toml:"slot_plugin"` // Output plugin for pre-allocated slots
	ForwardOrigins []string `toml:"forward_origins"`
	ApplyDelayMS   int      `toml:"apply_delay_ms"`
}

// BarrierConfiguration bounds every sync barrier wait
type BarrierConfiguration struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// RemoteConfiguration controls connections to mesh members
type RemoteConfiguration struct {
	ConnectTimeoutMS   int `toml:"connect_timeout_ms"`
	StatementTimeoutMS int `toml:"statement_timeout_ms"` // Applies to operations without their own deadline
	MaxConns           int `toml:"max_conns"`            // Per member
	PoolCacheSize      int `toml:"pool_cache_size"`      // Members with an open pool
}

// JournalConfiguration controls the operation journal
type JournalConfiguration struct {
	Path string `toml:"path"` // Empty disables the journal
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP server (progress, members, metrics)
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // Empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	Source      NodeConfiguration        `toml:"source"`
	NewNode     NodeConfiguration        `toml:"new_node"`
	Replication ReplicationConfiguration `toml:"replication"`
	Barrier     BarrierConfiguration     `toml:"barrier"`
	Remote      RemoteConfiguration      `toml:"remote"`
	Journal     JournalConfiguration     `toml:"journal"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag     = flag.String("config", "meshjoin.toml", "Path to configuration file")
	ModeFlag           = flag.String("mode", "join", "Operation to run: join, remove or lag")
	SourceDSNFlag      = flag.String("source-dsn", "", "Source node connection descriptor (overrides config)")
	NewNodeDSNFlag     = flag.String("new-node-dsn", "", "New node connection descriptor (overrides config)")
	BarrierTimeoutFlag = flag.Duration("barrier-timeout", 0, "Sync barrier timeout (overrides config)")
	JournalFlag        = flag.String("journal", "", "Operation journal path (overrides config)")
	VerboseFlag        = flag.Bool("verbose", false, "Log every remote operation")
)

// Overrides are command line values applied on top of the file
type Overrides struct {
	SourceDSN      string
	NewNodeDSN     string
	BarrierTimeout time.Duration
	JournalPath    string
	Verbose        bool
}

// FlagOverrides collects the parsed command line flags
func FlagOverrides() Overrides {
	return Overrides{
		SourceDSN:      *SourceDSNFlag,
		NewNodeDSN:     *NewNodeDSNFlag,
		BarrierTimeout: *BarrierTimeoutFlag,
		JournalPath:    *JournalFlag,
		Verbose:        *VerboseFlag,
	}
}

// Default returns the default configuration. Node names and descriptors have
// no defaults.
func Default() *Configuration {
	return &Configuration{
		Replication: ReplicationConfiguration{
			Channels:     []string{"default", "default_insert_only", "ddl_sql"},
			SlotPlugin:   "spock_output",
			ApplyDelayMS: 0,
		},

		Barrier: BarrierConfiguration{
			TimeoutSeconds: 1200, // 20 minutes
		},

		Remote: RemoteConfiguration{
			ConnectTimeoutMS:   10000,
			StatementTimeoutMS: 60000,
			MaxConns:           2,
			PoolCacheSize:      16,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9191,
		},
	}
}

// Load loads configuration from file over the defaults and applies overrides
func Load(configPath string, o Overrides) (*Configuration, error) {
	conf := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, conf); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if o.SourceDSN != "" {
		conf.Source.DSN = o.SourceDSN
	}
	if o.NewNodeDSN != "" {
		conf.NewNode.DSN = o.NewNodeDSN
	}
	if o.BarrierTimeout > 0 {
		conf.Barrier.TimeoutSeconds = int((o.BarrierTimeout + time.Second - 1) / time.Second)
	}
	if o.JournalPath != "" {
		conf.Journal.Path = o.JournalPath
	}
	if o.Verbose {
		conf.Logging.Verbose = true
	}

	return conf, nil
}

// ValidationError names the offending setting
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	if err := validateNode("source", &c.Source); err != nil {
		return err
	}
	if err := validateNode("new_node", &c.NewNode); err != nil {
		return err
	}
	if c.Source.Name == c.NewNode.Name {
		return invalid("new_node.name", "must differ from the source node name %q", c.Source.Name)
	}

	if len(c.Replication.Channels) == 0 {
		return invalid("replication.channels", "at least one channel is required")
	}
	for _, ch := range c.Replication.Channels {
		if err := remote.ValidateIdentifier("channel", ch); err != nil {
			return invalid("replication.channels", "%v", err)
		}
	}
	for _, origin := range c.Replication.ForwardOrigins {
		if err := remote.ValidateIdentifier("origin", origin); err != nil {
			return invalid("replication.forward_origins", "%v", err)
		}
	}
	if err := remote.ValidateIdentifier("plugin", c.Replication.SlotPlugin); err != nil {
		return invalid("replication.slot_plugin", "%v", err)
	}
	if c.Replication.ApplyDelayMS < 0 {
		return invalid("replication.apply_delay_ms", "must be >= 0")
	}

	if c.Barrier.TimeoutSeconds < 1 {
		return invalid("barrier.timeout_seconds", "must be >= 1 second")
	}

	if c.Remote.ConnectTimeoutMS < 0 {
		return invalid("remote.connect_timeout_ms", "must be >= 0")
	}
	if c.Remote.StatementTimeoutMS < 0 {
		return invalid("remote.statement_timeout_ms", "must be >= 0")
	}
	if c.Remote.MaxConns < 1 {
		return invalid("remote.max_conns", "must be >= 1")
	}
	if c.Remote.PoolCacheSize < 1 {
		return invalid("remote.pool_cache_size", "must be >= 1")
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return invalid("logging.format", "expected console or json, got %q", c.Logging.Format)
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return invalid("admin.port", "%d out of range", c.Admin.Port)
	}

	return nil
}

func validateNode(section string, n *NodeConfiguration) error {
	if err := remote.ValidateIdentifier("node", n.Name); err != nil {
		return invalid(section+".name", "%v", err)
	}
	if n.DSN == "" {
		return invalid(section+".dsn", "connection descriptor is required")
	}
	if _, err := remote.DatabaseName(n.DSN); err != nil {
		return invalid(section+".dsn", "%v", err)
	}
	return nil
}

// BarrierTimeout is the bound on every sync barrier wait
func (c *Configuration) BarrierTimeout() time.Duration {
	return time.Duration(c.Barrier.TimeoutSeconds) * time.Second
}

// ApplyDelay is the apply delay given to every subscription the join creates
func (c *Configuration) ApplyDelay() time.Duration {
	return time.Duration(c.Replication.ApplyDelayMS) * time.Millisecond
}

// ExecutorOptions maps the remote section onto executor settings
func (c *Configuration) ExecutorOptions() remote.ExecutorOptions {
	return remote.ExecutorOptions{
		MaxConns:         int32(c.Remote.MaxConns),
		ConnectTimeout:   time.Duration(c.Remote.ConnectTimeoutMS) * time.Millisecond,
		StatementTimeout: time.Duration(c.Remote.StatementTimeoutMS) * time.Millisecond,
		PoolCacheSize:    c.Remote.PoolCacheSize,
	}
}
