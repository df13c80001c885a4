package breach

// BuiltinRules returns the reserved rules seeded at startup, in evaluation order.
func BuiltinRules() []*Rule {
	return []*Rule{
		// Credential and session abuse
		BruteForceRule(),
		SessionHijackRule(),
		UnauthorizedAccessRule(),
		RateLimitAbuseRule(),

		// Data exposure
		SecretsLeakedRule(),
		MassExportRule(),

		// Pipeline self-protection
		IntegrityViolationRule(),
	}
}

// BruteForceRule detects repeated authentication failures.
func BruteForceRule() *Rule {
	return &Rule{
		ID:            "rule_brute_force",
		Name:          "Brute Force Attack",
		Description:   "Repeated authentication failures in a short window",
		Severity:      SeverityHigh,
		EventPattern:  "auth_failure",
		Threshold:     5,
		WindowSeconds: 300,
		Actions:       []Action{ActionLog, ActionAlert, ActionBlock},
	}
}

// SessionHijackRule fires on any suspected session takeover.
func SessionHijackRule() *Rule {
	return &Rule{
		ID:            "rule_session_hijack",
		Name:          "Session Hijack Suspected",
		Description:   "Session used from an unexpected client or location",
		Severity:      SeverityCritical,
		EventPattern:  "session_hijack_suspected",
		Threshold:     1,
		WindowSeconds: 60,
		Actions:       []Action{ActionLog, ActionAlert, ActionBlock, ActionCreateIncident},
	}
}

// UnauthorizedAccessRule detects repeated denied access attempts.
func UnauthorizedAccessRule() *Rule {
	return &Rule{
		ID:            "rule_unauthorized_access",
		Name:          "Repeated Unauthorized Access",
		Description:   "Multiple denied access or permission checks",
		Severity:      SeverityMedium,
		EventPattern:  "^(access_denied|permission_denied)$",
		Threshold:     3,
		WindowSeconds: 600,
		Actions:       []Action{ActionLog, ActionAlert},
	}
}

// RateLimitAbuseRule detects clients hammering rate limits.
func RateLimitAbuseRule() *Rule {
	return &Rule{
		ID:            "rule_rate_limit_abuse",
		Name:          "Rate Limit Abuse",
		Description:   "Sustained rate limit violations",
		Severity:      SeverityMedium,
		EventPattern:  "rate_limit_exceeded",
		Threshold:     20,
		WindowSeconds: 60,
		Actions:       []Action{ActionLog, ActionBlock},
	}
}

// SecretsLeakedRule fires on the first detected secret exposure.
func SecretsLeakedRule() *Rule {
	return &Rule{
		ID:                        "rule_secrets_leaked",
		Name:                      "Secrets Leaked",
		Description:               "Credentials or keys detected in captured content",
		Severity:                  SeverityCritical,
		EventPattern:              "secrets_detected",
		Threshold:                 1,
		WindowSeconds:             60,
		Actions:                   []Action{ActionLog, ActionAlert, ActionNotifyAdmin, ActionCreateIncident},
		NotificationRequired:      true,
		NotificationDeadlineHours: 72,
	}
}

// MassExportRule detects bulk data extraction.
func MassExportRule() *Rule {
	return &Rule{
		ID:                        "rule_mass_export",
		Name:                      "Mass Data Export",
		Description:               "Unusually many data exports within an hour",
		Severity:                  SeverityHigh,
		EventPattern:              "data_export",
		Threshold:                 10,
		WindowSeconds:             3600,
		Actions:                   []Action{ActionLog, ActionAlert, ActionNotifyAdmin},
		NotificationRequired:      true,
		NotificationDeadlineHours: 72,
	}
}

// IntegrityViolationRule fires when the ledger or another protected store fails verification.
func IntegrityViolationRule() *Rule {
	return &Rule{
		ID:            "rule_integrity_violation",
		Name:          "Integrity Violation",
		Description:   "Tamper-evident storage failed verification",
		Severity:      SeverityCritical,
		EventPattern:  "integrity_violation",
		Threshold:     1,
		WindowSeconds: 60,
		Actions:       []Action{ActionLog, ActionAlert, ActionNotifyAdmin, ActionCreateIncident},
	}
}
