package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LagSample is one replication lag reading
type LagSample struct {
	Origin   string
	Receiver string
	Seconds  float64
	Known    bool // false until the receiver has seen anything from origin
}

// LagSource produces lag samples on demand
type LagSource interface {
	LagSamples(ctx context.Context) ([]LagSample, error)
}

// LagCollector periodically samples replication lag and updates telemetry gauges
type LagCollector struct {
	source   LagSource
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLagCollector creates a new lag collector
func NewLagCollector(source LagSource, interval time.Duration) *LagCollector {
	return &LagCollector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (lc *LagCollector) Start() {
	lc.wg.Add(1)
	go lc.collectLoop()
}

// Stop stops the collector
func (lc *LagCollector) Stop() {
	close(lc.stopCh)
	lc.wg.Wait()
}

func (lc *LagCollector) collectLoop() {
	defer lc.wg.Done()

	ticker := time.NewTicker(lc.interval)
	defer ticker.Stop()

	lc.collect()

	for {
		select {
		case <-ticker.C:
			lc.collect()
		case <-lc.stopCh:
			return
		}
	}
}

func (lc *LagCollector) collect() {
	if lc.source == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.interval)
	defer cancel()

	samples, err := lc.source.LagSamples(ctx)
	if err != nil {
		LagCollectionFailuresTotal.Inc()
		log.Warn().Err(err).Msg("Failed to sample replication lag")
		return
	}

	for _, s := range samples {
		if !s.Known {
			continue
		}
		ReplicationLagSeconds.With(s.Origin, s.Receiver).Set(s.Seconds)
	}
}
