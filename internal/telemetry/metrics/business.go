package metrics

// TMSMetrics is this service's set of domain instruments, built once
// against whichever Provider backend is configured (Prometheus or
// OpenTelemetry): one place that names every metric the tick and
// contribution paths emit, instead of ad hoc Counter/Gauge construction
// scattered through the manager and privatizer.
type TMSMetrics struct {
	Contributions   Counter // labels: measurement_type, level_change
	RejectedBatches Counter // labels: reason
	TickDuration    func() Timer
	ActiveTrixels   Gauge // labels: measurement_type
	TLSPublishes    Counter // labels: status (success|failed)
}

// NewTMSMetrics registers every TMS instrument against p. Safe to call
// with the noop provider when metrics are disabled.
func NewTMSMetrics(p Provider) *TMSMetrics {
	return &TMSMetrics{
		Contributions: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: "tms", Subsystem: "privatizer", Name: "contributions_total",
			Help: "Total sensor contributions routed to a privatizer.", Labels: []string{"measurement_type", "level_change"},
		}}),
		RejectedBatches: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: "tms", Subsystem: "manager", Name: "rejected_trixels_total",
			Help: "Batch update trixels rejected because this TMS is not delegated for them.", Labels: []string{"reason"},
		}}),
		TickDuration: p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{
			Namespace: "tms", Subsystem: "manager", Name: "tick_duration_seconds",
			Help: "Wall time of one full bottom-up tick.",
		}}),
		ActiveTrixels: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
			Namespace: "tms", Subsystem: "manager", Name: "active_trixels",
			Help: "Number of non-stale privatizers currently held in memory.", Labels: []string{"measurement_type"},
		}}),
		TLSPublishes: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: "tms", Subsystem: "tlsclient", Name: "publish_total",
			Help: "Station-count publish calls made to the upstream TLS.", Labels: []string{"status"},
		}}),
	}
}
