package audit

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any sequence of appended events, replaying the file
// reproduces every stored hash.
func TestChainVerifiesForArbitraryEvents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(events []string, payloads []string) bool {
			path := filepath.Join(t.TempDir(), "prop.log")
			l, err := Open(path)
			if err != nil {
				return false
			}
			n := len(events)
			if len(payloads) < n {
				n = len(payloads)
			}
			for i := 0; i < n; i++ {
				evt := events[i]
				if evt == "" {
					evt = "event"
				}
				if err := l.Record(evt, map[string]any{"detail": payloads[i], "seq": i}); err != nil {
					return false
				}
			}
			verified, err := Verify(path)
			return err == nil && verified == n
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
