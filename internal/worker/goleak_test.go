package worker

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain guards against a Pool leaking worker goroutines past
// Shutdown, which every test in this package calls.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
