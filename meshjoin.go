package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spockmesh/meshjoin/admin"
	"github.com/spockmesh/meshjoin/cfg"
	"github.com/spockmesh/meshjoin/coordinator"
	"github.com/spockmesh/meshjoin/journal"
	"github.com/spockmesh/meshjoin/mesh"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/spockmesh/meshjoin/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2

	lagSampleInterval = 15 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	conf, err := cfg.Load(*cfg.ConfigPathFlag, cfg.FlagOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	// Validate configuration
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	mode := *cfg.ModeFlag
	switch mode {
	case "join", "remove", "lag":
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q: expected join, remove or lag\n", mode)
		os.Exit(exitConfig)
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if conf.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("component", "meshjoin").
		Str("mode", mode).
		Str("source", conf.Source.Name).
		Str("new_node", conf.NewNode.Name).
		Logger()

	if conf.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.TraceLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("meshjoin - online membership change for Spock meshes")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry(conf.Prometheus.Enabled, conf.NewNode.Name)
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, conf, mode)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, conf *cfg.Configuration, mode string) int {
	pgx, err := remote.NewPgxExecutor(conf.ExecutorOptions())
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize remote executor")
		return exitConfig
	}
	defer pgx.Close()

	var ex remote.Executor = pgx
	if conf.Journal.Path != "" {
		rec, err := journal.Open(conf.Journal.Path, pgx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open operation journal")
			return exitConfig
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close operation journal")
			}
		}()
		ex = rec
	}

	m := mesh.New(ex, mesh.Options{SlotPlugin: conf.Replication.SlotPlugin})
	source := nodeFrom(conf.Source)
	target := nodeFrom(conf.NewNode)
	progress := coordinator.NewProgress()
	lagMonitor := &coordinator.LagMonitor{Mesh: m, Source: source, Node: target}

	if conf.Admin.Enabled {
		handlers := admin.NewHandlers(
			progress,
			admin.SourceMembers{Topology: m.Topology, Source: source},
			lagMonitor,
			time.Duration(conf.Remote.StatementTimeoutMS)*time.Millisecond,
		)
		srv, err := admin.Start(conf.Admin.Address, conf.Admin.Port, admin.NewRouter(handlers, conf.Admin.AuthToken))
		if err != nil {
			log.Error().Err(err).Msg("Failed to start admin server")
			return exitConfig
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Str("source_endpoint", remote.Endpoint(source.DSN)).
		Str("node_endpoint", remote.Endpoint(target.DSN)).
		Msg("Mesh endpoints")

	switch mode {
	case "join":
		return runJoin(ctx, conf, m, source, target, progress)
	case "remove":
		return runRemove(ctx, m, source, target, progress)
	default:
		return runLag(ctx, conf, lagMonitor)
	}
}

func runJoin(ctx context.Context, conf *cfg.Configuration, m *mesh.Mesh, source, target mesh.Node, progress *coordinator.Progress) int {
	spec := coordinator.JoinSpec{
		Source:         source,
		NewNode:        target,
		Channels:       conf.Replication.Channels,
		ForwardOrigins: conf.Replication.ForwardOrigins,
		ApplyDelay:     conf.ApplyDelay(),
		BarrierTimeout: conf.BarrierTimeout(),
	}
	jc, err := coordinator.NewJoinCoordinator(m, spec, progress)
	if err != nil {
		log.Error().Err(err).Msg("Invalid join")
		return exitConfig
	}
	return exitCode(jc.Run(ctx))
}

func runRemove(ctx context.Context, m *mesh.Mesh, source, target mesh.Node, progress *coordinator.Progress) int {
	r, err := coordinator.NewRemover(m, coordinator.RemoveSpec{Source: source, Node: target}, progress)
	if err != nil {
		log.Error().Err(err).Msg("Invalid removal")
		return exitConfig
	}
	return exitCode(r.Run(ctx))
}

// runLag prints one lag report. With the admin server enabled it keeps
// sampling into the lag gauges until interrupted.
func runLag(ctx context.Context, conf *cfg.Configuration, monitor *coordinator.LagMonitor) int {
	entries, err := monitor.Report(ctx)
	if err != nil {
		return exitCode(err)
	}
	for _, e := range entries {
		ev := log.Info().Str("origin", e.Origin).Str("receiver", e.Receiver).Bool("known", e.Known)
		if e.Known {
			ev = ev.Dur("lag", e.Lag)
		}
		ev.Msg("Replication lag")
	}

	if !conf.Admin.Enabled || !conf.Prometheus.Enabled {
		return exitOK
	}

	collector := telemetry.NewLagCollector(monitor, lagSampleInterval)
	collector.Start()
	defer collector.Stop()

	log.Info().Dur("interval", lagSampleInterval).Msg("Sampling replication lag until interrupted")
	<-ctx.Done()
	return exitOK
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var stepErr *coordinator.StepError
	if errors.As(err, &stepErr) {
		ev := log.Error().Str("step", string(stepErr.Step)).Str("node", stepErr.Node).Err(stepErr.Err)
		var timeout *mesh.BarrierTimeoutError
		if errors.As(err, &timeout) {
			ev = ev.Dur("barrier_timeout", timeout.Timeout)
		}
		var re *remote.Error
		if errors.As(err, &re) && re.Code != "" {
			ev = ev.Str("code", re.Code)
		}
		ev.Msg("Membership change stopped; rerun to resume")
		return exitFailed
	}
	log.Error().Err(err).Msg("Failed")
	return exitFailed
}

func nodeFrom(n cfg.NodeConfiguration) mesh.Node {
	return mesh.Node{
		Name:     n.Name,
		DSN:      n.DSN,
		Location: n.Location,
		Country:  n.Country,
		Info:     n.Info,
	}
}
