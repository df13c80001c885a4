// Package metrics holds the Prometheus collectors for the breachguard pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_ledger_appends_total",
		Help: "Ledger events appended, by category",
	}, []string{"category"})
	ledgerWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breachguard_ledger_write_errors_total",
		Help: "Ledger appends that failed to reach disk",
	})
	ledgerVerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_ledger_verifications_total",
		Help: "Ledger integrity verifications, by result",
	}, []string{"result"})

	breachEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breachguard_breach_events_checked_total",
		Help: "Events evaluated by the breach rule engine",
	})
	breachDetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_breach_detections_total",
		Help: "Rule trips, by rule id and severity",
	}, []string{"rule_id", "severity"})
	breachActionFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_breach_action_failures_total",
		Help: "Detection actions that failed, by action",
	}, []string{"action"})

	alertsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_alerts_sent_total",
		Help: "Alerts that passed filtering, by severity",
	}, []string{"severity"})
	alertsSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_alerts_suppressed_total",
		Help: "Alerts dropped by the filter pipeline, by reason",
	}, []string{"reason"})
	alertChannelFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_alert_channel_failures_total",
		Help: "Alert deliveries that failed, by channel",
	}, []string{"channel"})

	siemQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breachguard_siem_queued_total",
		Help: "Events admitted to the SIEM export queue",
	})
	siemDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breachguard_siem_dropped_total",
		Help: "Events evicted from a full SIEM export queue",
	})
	siemExportedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breachguard_siem_exported_total",
		Help: "SIEM export outcomes, by result",
	}, []string{"result"})
	siemQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "breachguard_siem_queue_depth",
		Help: "Events currently waiting in the SIEM export queue",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		ledgerAppendsTotal, ledgerWriteErrorsTotal, ledgerVerificationsTotal,
		breachEventsTotal, breachDetectionsTotal, breachActionFailuresTotal,
		alertsSentTotal, alertsSuppressedTotal, alertChannelFailuresTotal,
		siemQueuedTotal, siemDroppedTotal, siemExportedTotal, siemQueueDepth,
	)
}

// IncLedgerAppend counts an appended ledger event.
func IncLedgerAppend(category string) { ledgerAppendsTotal.WithLabelValues(category).Inc() }

// IncLedgerWriteError counts a failed ledger write.
func IncLedgerWriteError() { ledgerWriteErrorsTotal.Inc() }

// IncLedgerVerification counts a verification run; valid selects the result label.
func IncLedgerVerification(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	ledgerVerificationsTotal.WithLabelValues(result).Inc()
}

// IncBreachEvent counts an evaluated event.
func IncBreachEvent() { breachEventsTotal.Inc() }

// IncBreachDetection counts a rule trip.
func IncBreachDetection(ruleID, severity string) {
	breachDetectionsTotal.WithLabelValues(ruleID, severity).Inc()
}

// IncBreachActionFailure counts a failed detection action.
func IncBreachActionFailure(action string) { breachActionFailuresTotal.WithLabelValues(action).Inc() }

// IncAlertSent counts an alert that passed filtering.
func IncAlertSent(severity string) { alertsSentTotal.WithLabelValues(severity).Inc() }

// IncAlertSuppressed counts a filtered alert.
func IncAlertSuppressed(reason string) { alertsSuppressedTotal.WithLabelValues(reason).Inc() }

// IncAlertChannelFailure counts a failed channel delivery.
func IncAlertChannelFailure(channel string) { alertChannelFailuresTotal.WithLabelValues(channel).Inc() }

// IncSIEMQueued counts an admitted SIEM event.
func IncSIEMQueued() { siemQueuedTotal.Inc() }

// IncSIEMDropped counts an evicted SIEM event.
func IncSIEMDropped() { siemDroppedTotal.Inc() }

// AddSIEMExported records flush or retry outcomes.
func AddSIEMExported(sent, failed int) {
	siemExportedTotal.WithLabelValues("sent").Add(float64(sent))
	siemExportedTotal.WithLabelValues("failed").Add(float64(failed))
}

// SetSIEMQueueDepth records the current queue depth.
func SetSIEMQueueDepth(depth int) { siemQueueDepth.Set(float64(depth)) }
