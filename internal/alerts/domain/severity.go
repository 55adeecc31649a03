package alerts

import "strings"

// Severity is the tier assigned to an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const criticalPrefix = "critical_"

var criticalConditions = map[string]struct{}{
	"hypoxia":      {},
	"hypertension": {},
	"hypotension":  {},
}

// Classify maps a condition identifier to its severity.
func Classify(condition string) Severity {
	if strings.HasPrefix(condition, criticalPrefix) {
		return SeverityCritical
	}
	if _, ok := criticalConditions[condition]; ok {
		return SeverityCritical
	}
	return SeverityWarning
}

// ParseSeverity validates a severity string.
func ParseSeverity(value string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(value))) {
	case SeverityInfo:
		return SeverityInfo, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityCritical:
		return SeverityCritical, true
	default:
		return "", false
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank(s) >= severityRank(min)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}
