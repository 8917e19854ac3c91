package remote

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/wolfeidau/annex-tarmount/archive"
	"github.com/wolfeidau/annex-tarmount/diag"
	"github.com/wolfeidau/annex-tarmount/localfs"
	"github.com/wolfeidau/annex-tarmount/mount"
	"github.com/wolfeidau/annex-tarmount/process"
)

type options struct {
	runner      process.Runner
	archiveOpts []archive.Option
	mountOpts   []mount.Option
	archiver    Archiver
	mounter     Mounter
	fs          localfs.FS
	sink        diag.Sink
	sessionID   string
	logger      *slog.Logger
}

// Option configures Initialize and Prepare.
type Option func(*options)

// WithRunner sets the runner for the external tools. The default runs real
// binaries and records tool metrics.
func WithRunner(r process.Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// WithArchiveOptions configures the default archive store.
func WithArchiveOptions(opts ...archive.Option) Option {
	return func(o *options) {
		o.archiveOpts = append(o.archiveOpts, opts...)
	}
}

// WithMountOptions configures the default mount manager.
func WithMountOptions(opts ...mount.Option) Option {
	return func(o *options) {
		o.mountOpts = append(o.mountOpts, opts...)
	}
}

// WithArchiver replaces the archive store.
func WithArchiver(a Archiver) Option {
	return func(o *options) {
		o.archiver = a
	}
}

// WithMounter replaces the mount manager.
func WithMounter(m Mounter) Option {
	return func(o *options) {
		o.mounter = m
	}
}

// WithFilesystem replaces the filesystem primitives.
func WithFilesystem(fs localfs.FS) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithDiagnostics sets where failed tool invocations are recorded.
func WithDiagnostics(s diag.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithSessionID tags diagnostic records with id. A random id is used
// otherwise.
func WithSessionID(id string) Option {
	return func(o *options) {
		o.sessionID = id
	}
}

// WithLogger sets the logger for the engine and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.runner == nil {
		o.runner = process.NewInstrumentedRunner(process.NewExecRunner(process.WithLogger(o.logger)))
	}
	if o.archiver == nil {
		o.archiver = archive.NewStore(o.runner, append([]archive.Option{archive.WithLogger(o.logger)}, o.archiveOpts...)...)
	}
	if o.mounter == nil {
		o.mounter = mount.NewManager(o.runner, append([]mount.Option{mount.WithLogger(o.logger)}, o.mountOpts...)...)
	}
	if o.fs == nil {
		o.fs = localfs.New()
	}
	if o.sink == nil {
		o.sink = diag.NopSink{}
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	return o
}
