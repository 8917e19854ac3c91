package process

import (
	"context"
	"path/filepath"
	"time"

	"github.com/wolfeidau/annex-tarmount/telemetry"
)

// InstrumentedRunner wraps a Runner with metrics recording.
type InstrumentedRunner struct {
	runner Runner
}

// NewInstrumentedRunner creates a new instrumented runner wrapper.
func NewInstrumentedRunner(r Runner) *InstrumentedRunner {
	return &InstrumentedRunner{runner: r}
}

// Run implements Runner. The tool label is the base name of the binary.
func (ir *InstrumentedRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()
	res, err := ir.runner.Run(ctx, name, args...)
	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeError
	}
	telemetry.RecordToolInvocation(ctx, filepath.Base(name), outcome, time.Since(start))
	return res, err
}

// Unwrap returns the underlying runner.
func (ir *InstrumentedRunner) Unwrap() Runner {
	return ir.runner
}

// Compile-time interface check
var _ Runner = (*InstrumentedRunner)(nil)
