package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"TARMOUNT_LOG_LEVEL"`
	LogFormat string `help:"Log format (${enum})." enum:"tint,text,json" default:"tint" env:"TARMOUNT_LOG_FORMAT"`
	Config    string `help:"Tools configuration file (TOML)." type:"path" env:"TARMOUNT_CONFIG"`
}

// newLogger builds the logger for a run. Logs always go to w, never to
// stdout, which belongs to the protocol. Every line carries session_id.
func (g *Globals) newLogger(w io.Writer) (*slog.Logger, string, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, "", fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "", "tint":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, "", fmt.Errorf("invalid log format: %s", g.LogFormat)
	}

	sessionID := uuid.NewString()
	return slog.New(handler).With("session_id", sessionID), sessionID, nil
}
