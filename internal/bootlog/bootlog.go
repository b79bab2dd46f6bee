// Package bootlog reports boot progress: physical memory pool priming,
// heap carving, and the module RMLoad sequence, using
// github.com/schollz/progressbar/v3 the way the pack's own tooling reports
// long-running staged work.
package bootlog

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// Stage tracks one bounded phase of boot, such as priming the page pool in
// section-sized chunks or loading the manifest's module list in order.
type Stage struct {
	bar *progressbar.ProgressBar
}

// NewStage starts a Stage with total steps, describing it with label. Pass
// a nil out to suppress the bar entirely (useful in tests).
func NewStage(out io.Writer, total int, label string) *Stage {
	if out == nil {
		out = io.Discard
	}
	return &Stage{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription(label),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// Step advances the stage by one unit, matching a single section claimed,
// heap block carved, or module loaded.
func (s *Stage) Step() {
	_ = s.bar.Add(1)
}

// Done closes out the stage's bar.
func (s *Stage) Done() {
	_ = s.bar.Finish()
}

// Logf emits a one-line status message above the active bar, for boot
// events that don't fit the step-counted model (a module's Title/Help
// strings once decoded, a core coming online).
func Logf(out io.Writer, format string, args ...any) {
	if out == nil {
		return
	}
	fmt.Fprintf(out, format+"\n", args...)
}
