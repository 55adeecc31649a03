package logging

import "testing"

func TestNewFallsBackToInfo(t *testing.T) {
	logger, err := New("verbose", "json", "vitals-alerting")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatalf("debug should be disabled for unknown level")
	}
	if !logger.Core().Enabled(0) {
		t.Fatalf("info should be enabled")
	}
}

func TestNewConsoleDebug(t *testing.T) {
	logger, err := New("debug", "console", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("debug should be enabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
