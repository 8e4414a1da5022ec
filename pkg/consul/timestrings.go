package consul

import (
	"fmt"
	"math"
	"time"
)

// ParseDuration parses Consul duration strings such as "15s" or "10m".
func ParseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// FormatSeconds renders d as whole seconds, rounded up, never below one second.
func FormatSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
