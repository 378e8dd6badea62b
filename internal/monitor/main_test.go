package monitor

import (
	"testing"

	"go.uber.org/goleak"
)

// The coordinator spawns a background health timer; every test must leave
// no goroutine behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
