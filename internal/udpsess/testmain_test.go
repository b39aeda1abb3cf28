package udpsess_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the udpsess_test package and checks for
// goroutine leaks after all tests complete — the handler tests spawn
// a background UDP echo-server goroutine alongside the handler under
// test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
