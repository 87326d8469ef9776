package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audit_ledger"

// Metrics holds every Prometheus collector the ledger exports. All methods are
// safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	appendsTotal          *prometheus.CounterVec
	appendDuration        prometheus.Histogram
	orgSlotWaiters        prometheus.Gauge
	verifyRunsTotal       *prometheus.CounterVec
	integrityFailures     *prometheus.CounterVec
	sweepLastRunUnix      prometheus.Gauge
	findingsTotal         *prometheus.CounterVec
	ruleErrorsTotal       *prometheus.CounterVec
	fanoutDroppedTotal    *prometheus.CounterVec
	fanoutCatchupTotal    *prometheus.CounterVec
	sessionsActive        prometheus.Gauge
	sessionsRevokedTotal  *prometheus.CounterVec
	loginAttemptsTotal    *prometheus.CounterVec
	metricsDrift          *prometheus.GaugeVec
	streamPublishTotal    *prometheus.CounterVec
	exportsTotal          *prometheus.CounterVec
	remoteAccessDecisions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "appends_total",
				Help:      "Ledger append attempts partitioned by result.",
			},
			[]string{"result"},
		),
		appendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "append_duration_seconds",
				Help:      "Time spent inside the per-organization append slot.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		orgSlotWaiters: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "slot_waiters",
				Help:      "Appends currently queued behind an organization's append slot.",
			},
		),
		verifyRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "integrity",
				Name:      "verify_runs_total",
				Help:      "Chain verifications partitioned by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		integrityFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "integrity",
				Name:      "failures_total",
				Help:      "Detected chain integrity failures by reason.",
			},
			[]string{"reason"},
		),
		sweepLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "integrity",
				Name:      "sweep_last_run_unix",
				Help:      "Unix time of the most recent integrity sweep.",
			},
		),
		findingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "anomaly",
				Name:      "findings_total",
				Help:      "Suspicious activity findings by pattern kind and severity.",
			},
			[]string{"kind", "severity"},
		),
		ruleErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "anomaly",
				Name:      "rule_errors_total",
				Help:      "Anomaly rule evaluation failures by rule kind.",
			},
			[]string{"kind"},
		),
		fanoutDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "dropped_total",
				Help:      "Entries not enqueued because a consumer queue was full.",
			},
			[]string{"consumer"},
		),
		fanoutCatchupTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "catchup_entries_total",
				Help:      "Entries replayed from the store during consumer catch-up.",
			},
			[]string{"consumer"},
		),
		sessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Current count of registered, unrevoked sessions.",
			},
		),
		sessionsRevokedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "revoked_total",
				Help:      "Session revocations by mode.",
			},
			[]string{"mode"},
		),
		loginAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "security",
				Name:      "login_attempts_total",
				Help:      "Login events seen by the ledger by result.",
			},
			[]string{"result"},
		),
		metricsDrift: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "reconcile_drift",
				Help:      "Absolute counter drift corrected by the last reconcile, by counter.",
			},
			[]string{"counter"},
		),
		streamPublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "publish_total",
				Help:      "Stream subscription publishes by result.",
			},
			[]string{"result"},
		),
		exportsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "export",
				Name:      "runs_total",
				Help:      "Exports by format and integrity outcome.",
			},
			[]string{"format", "integrity"},
		),
		remoteAccessDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "remote_access_total",
				Help:      "Internal ingest access decisions by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveAppend(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.appendDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) AddSlotWaiters(delta int) {
	if m == nil {
		return
	}
	m.orgSlotWaiters.Add(float64(delta))
}

func (m *Metrics) ObserveVerify(trigger string, ok bool, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "broken"
	}
	m.verifyRunsTotal.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) ObserveIntegrityFailure(reason string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) MarkSweep(at time.Time) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveFinding(kind, severity string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) ObserveRuleError(kind string) {
	if m == nil {
		return
	}
	m.ruleErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveFanoutDrop(consumer string) {
	if m == nil {
		return
	}
	m.fanoutDroppedTotal.WithLabelValues(consumer).Inc()
}

func (m *Metrics) ObserveCatchup(consumer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fanoutCatchupTotal.WithLabelValues(consumer).Add(float64(n))
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) ObserveRevocations(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsRevokedTotal.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReconcileDrift(counter string, drift int64) {
	if m == nil {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	m.metricsDrift.WithLabelValues(counter).Set(float64(drift))
}

func (m *Metrics) ObserveStreamPublish(result string) {
	if m == nil {
		return
	}
	m.streamPublishTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveExport(format string, tampered bool) {
	if m == nil {
		return
	}
	integrity := "ok"
	if tampered {
		integrity = "tamper_warning"
	}
	m.exportsTotal.WithLabelValues(format, integrity).Inc()
}

func (m *Metrics) ObserveRemoteAccess(outcome string) {
	if m == nil {
		return
	}
	m.remoteAccessDecisions.WithLabelValues(outcome).Inc()
}
