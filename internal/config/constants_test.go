package config

import (
	"fmt"
	"testing"
	"time"
)

func TestHealthCheckTimings(t *testing.T) {
	// A probe must not outlive the interval, otherwise ticks for the same
	// database would overlap.
	if DefaultHealthCheckTimeout >= DefaultHealthCheckInterval {
		t.Errorf("DefaultHealthCheckTimeout (%v) should be less than DefaultHealthCheckInterval (%v)",
			DefaultHealthCheckTimeout, DefaultHealthCheckInterval)
	}

	if DefaultQueryTimeout <= 0 {
		t.Error("DefaultQueryTimeout should be positive")
	}
}

func TestLongRunningQueryInterval(t *testing.T) {
	// Verify the SQL interval literal matches the Go duration.
	n, err := parseInterval(SQLLongRunningQueryInterval)
	if err != nil {
		t.Fatalf("Failed to parse SQL interval %q: %v", SQLLongRunningQueryInterval, err)
	}
	if n != LongRunningQueryThreshold {
		t.Errorf("SQL interval %q (%v) does not match Go duration %v",
			SQLLongRunningQueryInterval, n, LongRunningQueryThreshold)
	}
}

// parseInterval parses a PostgreSQL interval string like "30 seconds"
func parseInterval(s string) (time.Duration, error) {
	var value int
	var unit string
	_, err := fmt.Sscanf(s, "%d %s", &value, &unit)
	if err != nil {
		return 0, err
	}

	switch unit {
	case "seconds", "second":
		return time.Duration(value) * time.Second, nil
	case "minutes", "minute":
		return time.Duration(value) * time.Minute, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}

func TestPoolDefaults(t *testing.T) {
	if DefaultPoolMinConns > DefaultPoolMaxConns {
		t.Errorf("DefaultPoolMinConns (%d) should not exceed DefaultPoolMaxConns (%d)",
			DefaultPoolMinConns, DefaultPoolMaxConns)
	}
	if DefaultPoolMaxConns <= 0 {
		t.Error("DefaultPoolMaxConns should be positive")
	}
}

func TestCycleIntervals(t *testing.T) {
	intervals := []struct {
		name string
		d    time.Duration
	}{
		{"Monitor", DefaultMonitorInterval},
		{"Discovery", DefaultDiscoveryInterval},
		{"Cleanup", DefaultCleanupInterval},
	}

	for _, tt := range intervals {
		t.Run(tt.name, func(t *testing.T) {
			if tt.d <= 0 {
				t.Errorf("Interval for %s should be positive, got %v", tt.name, tt.d)
			}
		})
	}

	// Discovered streams must outlive at least one discovery cycle in the
	// store, otherwise health summaries would flap between cycles.
	if StreamCacheTTL <= DefaultDiscoveryInterval {
		t.Errorf("StreamCacheTTL (%v) should exceed DefaultDiscoveryInterval (%v)",
			StreamCacheTTL, DefaultDiscoveryInterval)
	}

	if DefaultAlertRetention < 24*time.Hour {
		t.Errorf("DefaultAlertRetention (%v) seems too short", DefaultAlertRetention)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate, got: %v", err)
	}
}

func TestValidateRejectsBadPoolSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MinConns = 20
	cfg.Pool.MaxConns = 5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when min_conns exceeds max_conns")
	}
}
