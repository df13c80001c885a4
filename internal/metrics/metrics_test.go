package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterAndExpose(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)

	IncLedgerAppend("authentication")
	IncBreachDetection("rule_brute_force", "high")
	IncAlertSuppressed("cooldown")
	AddSIEMExported(2, 1)
	SetSIEMQueueDepth(4)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"breachguard_ledger_appends_total",
		"breachguard_breach_detections_total",
		"breachguard_alerts_suppressed_total",
		"breachguard_siem_exported_total",
		"breachguard_siem_queue_depth",
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
