package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RemoteOpBuckets for single statements against a mesh member
	RemoteOpBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// StepBuckets for join steps, which may include a full data copy
	StepBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}

	// BarrierBuckets for sync barrier waits
	BarrierBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1200}
)

// Remote Operation Metrics
var (
	// RemoteOpsTotal counts remote operations by name and result (success, unreachable, timeout, remote_fault)
	RemoteOpsTotal CounterVec = noopCounterVec

	// RemoteOpDurationSeconds measures remote operation latency by name
	RemoteOpDurationSeconds HistogramVec = noopHistogramVec
)

// Membership Change Metrics
var (
	// JoinStepsTotal counts executed join steps by step and result (success, failed)
	JoinStepsTotal CounterVec = noopCounterVec

	// JoinStepDurationSeconds measures join step duration
	JoinStepDurationSeconds HistogramVec = noopHistogramVec

	// JoinRunsTotal counts join runs by result (success, failed, cancelled)
	JoinRunsTotal CounterVec = noopCounterVec

	// RemoveRunsTotal counts remove runs by result
	RemoveRunsTotal CounterVec = noopCounterVec

	// JoinCurrentStep is the ordinal of the step in progress (0 before the first)
	JoinCurrentStep Gauge = NoopStat{}

	// BarrierWaitSeconds measures time spent waiting for sync markers
	BarrierWaitSeconds Histogram = NoopStat{}

	// SlotAdvanceTotal counts slot fast-forwards by result (advanced, already_satisfied, failed)
	SlotAdvanceTotal CounterVec = noopCounterVec
)

// Replication Health Metrics
var (
	// ReplicationLagSeconds tracks lag per (origin, receiver) as seen on the new node
	ReplicationLagSeconds GaugeVec = noopGaugeVec

	// LagCollectionFailuresTotal counts failed lag samples
	LagCollectionFailuresTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Remote Operation Metrics
	RemoteOpsTotal = NewCounterVec(
		"remote_ops_total",
		"Remote operations by name and result",
		[]string{"op", "result"},
	)
	RemoteOpDurationSeconds = NewHistogramVec(
		"remote_op_duration_seconds",
		"Remote operation duration in seconds",
		[]string{"op"},
		RemoteOpBuckets,
	)

	// Membership Change Metrics
	JoinStepsTotal = NewCounterVec(
		"join_steps_total",
		"Join steps by step and result",
		[]string{"step", "result"},
	)
	JoinStepDurationSeconds = NewHistogramVec(
		"join_step_duration_seconds",
		"Join step duration in seconds",
		[]string{"step"},
		StepBuckets,
	)
	JoinRunsTotal = NewCounterVec(
		"join_runs_total",
		"Join runs by result",
		[]string{"result"},
	)
	RemoveRunsTotal = NewCounterVec(
		"remove_runs_total",
		"Remove runs by result",
		[]string{"result"},
	)
	JoinCurrentStep = NewGauge(
		"join_current_step",
		"Ordinal of the join step in progress",
	)
	BarrierWaitSeconds = NewHistogramWithBuckets(
		"barrier_wait_seconds",
		"Time waiting for a sync marker in seconds",
		BarrierBuckets,
	)
	SlotAdvanceTotal = NewCounterVec(
		"slot_advance_total",
		"Slot fast-forwards by result",
		[]string{"result"},
	)

	// Replication Health Metrics
	ReplicationLagSeconds = NewGaugeVec(
		"replication_lag_seconds",
		"Replication lag in seconds by origin and receiver",
		[]string{"origin", "receiver"},
	)
	LagCollectionFailuresTotal = NewCounter(
		"lag_collection_failures_total",
		"Failed replication lag samples",
	)
}
