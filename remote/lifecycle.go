package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/annex-tarmount/telemetry"
)

// Initialize validates cfg and creates the root directory and its parents.
// An existing directory is not an error.
func Initialize(ctx context.Context, cfg Config, opts ...Option) (err error) {
	start := time.Now()
	o := newOptions(opts)
	defer func() {
		recordLifecycle(ctx, telemetry.OpInitialize, start, err)
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg, err = cfg.absolute()
	if err != nil {
		return err
	}

	if err := o.fs.MkdirAll(cfg.Directory); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "initialized remote",
		"directory", cfg.Directory,
		"address_length", cfg.AddressLength,
	)
	return nil
}

// Prepare validates cfg for a session and returns the engine serving it. The
// root directory must already exist; Prepare never creates it.
func Prepare(ctx context.Context, cfg Config, opts ...Option) (_ *Engine, err error) {
	start := time.Now()
	o := newOptions(opts)
	defer func() {
		recordLifecycle(ctx, telemetry.OpPrepare, start, err)
	}()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg, err = cfg.absolute()
	if err != nil {
		return nil, err
	}

	isDir, err := o.fs.IsDir(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if !isDir {
		return nil, fmt.Errorf("%w: directory %s does not exist", ErrConfiguration, cfg.Directory)
	}

	o.logger.DebugContext(ctx, "prepared remote",
		"directory", cfg.Directory,
		"address_length", cfg.AddressLength,
		"session_id", o.sessionID,
	)
	return newEngine(cfg, o), nil
}

func recordLifecycle(ctx context.Context, op string, start time.Time, err error) {
	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeError
	}
	telemetry.RecordOperation(ctx, op, outcome, time.Since(start))
}
