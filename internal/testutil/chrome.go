// Package testutil provides test utilities: an in-process fake browser and
// a helper for starting a real headless Chrome.
package testutil

import (
	"context"
	"testing"

	"github.com/tomyan/bidicap/internal/launcher"
)

// StartChrome starts a headless Chrome for an integration test and stops it
// when the test finishes. The test is skipped under -short or when Chrome
// is not installed.
func StartChrome(t testing.TB) *launcher.Instance {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if launcher.FindChrome("") == "" {
		t.Skip("Chrome not found on this system")
	}

	inst, err := launcher.Launch(context.Background(), launcher.Options{Headless: true})
	if err != nil {
		t.Fatalf("failed to start Chrome: %v", err)
	}
	t.Cleanup(func() { inst.Stop() })

	return inst
}
