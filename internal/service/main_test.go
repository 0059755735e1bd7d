package service

import (
	"testing"

	"go.uber.org/goleak"
)

// The genai provider's transport imports opencensus, whose view worker
// starts in init and never exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}
