// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"os"
	"testing"
	"time"
)

// RequireIntegration skips t in short mode, and in CI unless
// INTEGRATION_TESTS is set. Integration tests talk to real backends.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") == "" && os.Getenv("CI") != "" {
		t.Skip("skipping integration test (set INTEGRATION_TESTS=1 to run)")
	}
}

// PollInterval is how often WaitFor evaluates its condition.
const PollInterval = 10 * time.Millisecond

// WaitFor polls cond until it holds, failing t after timeout.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	if !Eventually(timeout, cond) {
		t.Fatal("condition not met in time")
	}
}

// Eventually polls cond until it holds or timeout elapses and reports whether
// it held.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(PollInterval)
	}
}
