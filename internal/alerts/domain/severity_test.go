package alerts

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		condition string
		want      Severity
	}{
		{"critical_tachycardia", SeverityCritical},
		{"critical_bradycardia", SeverityCritical},
		{"critical_", SeverityCritical},
		{"hypoxia", SeverityCritical},
		{"hypertension", SeverityCritical},
		{"hypotension", SeverityCritical},
		{"elevated_temp", SeverityWarning},
		{"isolation_forest_anomaly", SeverityWarning},
		{"Hypoxia", SeverityWarning},
		{"pre_critical_x", SeverityWarning},
		{"", SeverityWarning},
	}
	for _, tc := range cases {
		if got := Classify(tc.condition); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.condition, got, tc.want)
		}
		if again := Classify(tc.condition); again != tc.want {
			t.Fatalf("Classify(%q) not stable: %s", tc.condition, again)
		}
	}
}

func TestSeverityAtLeast(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityWarning) {
		t.Fatalf("critical should satisfy warning")
	}
	if SeverityWarning.AtLeast(SeverityCritical) {
		t.Fatalf("warning should not satisfy critical")
	}
	if !SeverityInfo.AtLeast(SeverityInfo) {
		t.Fatalf("info should satisfy info")
	}
}

func TestParseSeverity(t *testing.T) {
	if s, ok := ParseSeverity(" Critical "); !ok || s != SeverityCritical {
		t.Fatalf("expected critical, got %q %v", s, ok)
	}
	if _, ok := ParseSeverity("urgent"); ok {
		t.Fatalf("expected urgent to be rejected")
	}
}
