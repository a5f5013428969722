package health

import (
	"testing"
	"time"
)

func TestHealthyByDefault(t *testing.T) {
	tr := NewTracker(time.Minute)
	if !tr.Healthy("1.1.1.1:443", 3) {
		t.Fatal("expected healthy with no recorded failures")
	}
}

func TestMarkFailureTripsThreshold(t *testing.T) {
	tr := NewTracker(time.Minute)
	key := "1.1.1.1:443"
	for i := 0; i < 3; i++ {
		tr.MarkFailure(key)
	}
	if tr.Healthy(key, 3) {
		t.Fatal("expected unhealthy after reaching failure threshold")
	}
}

func TestMarkSuccessClearsFailures(t *testing.T) {
	tr := NewTracker(time.Minute)
	key := "1.1.1.1:443"
	tr.MarkFailure(key)
	tr.MarkFailure(key)
	tr.MarkSuccess(key)
	if !tr.Healthy(key, 2) {
		t.Fatal("expected healthy after MarkSuccess clears failures")
	}
}
