// Package diag keeps the captured output of failed tool invocations so a
// failed store or remove can be investigated after the fact.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wolfeidau/annex-tarmount/process"
)

// Record is one failed tool invocation.
type Record struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Op        string    `json:"op"`
	Address   string    `json:"address"`
	Key       string    `json:"key,omitempty"`
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Message   string    `json:"message"`
}

// FromError builds a record from err if it carries the output of a failed
// tool invocation.
func FromError(op, address, key string, err error) (Record, bool) {
	var exitErr *process.ExitError
	if !errors.As(err, &exitErr) {
		return Record{}, false
	}
	return Record{
		Op:       op,
		Address:  address,
		Key:      key,
		Command:  exitErr.CommandLine(),
		ExitCode: exitErr.Result.ExitCode,
		Stdout:   string(exitErr.Result.Stdout),
		Stderr:   string(exitErr.Result.Stderr),
		Message:  err.Error(),
	}, true
}

// Sink receives diagnostic records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// NopSink discards records.
type NopSink struct{}

// Append implements Sink.
func (NopSink) Append(context.Context, Record) error { return nil }

// LogSink writes records to a logger at warn level.
type LogSink struct {
	Logger *slog.Logger
}

// Append implements Sink.
func (s LogSink) Append(ctx context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "tool invocation failed",
		"op", rec.Op,
		"address", rec.Address,
		"key", rec.Key,
		"command", rec.Command,
		"exit_code", rec.ExitCode,
		"stderr", rec.Stderr,
	)
	return nil
}

// Compile-time interface checks
var (
	_ Sink = NopSink{}
	_ Sink = LogSink{}
)
