package runner

import (
	"testing"

	"go.uber.org/goleak"
)

// Run's event loop owns no background goroutines of its own under the
// all-memory Deps every test in this package builds against; this guards
// that none of Build, Run, or Destroy leave one behind across their exit
// paths.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
