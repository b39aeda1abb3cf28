package reactor_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the reactor_test package and checks for
// goroutine leaks after all tests complete — the loop tests spawn
// background echo-server goroutines alongside the reactor under test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
