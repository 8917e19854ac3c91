package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/annex-tarmount/diag"
)

// DiagCmd prints diagnostic records as JSON lines.
type DiagCmd struct {
	DB        string        `arg:"" help:"Diagnostics database." type:"existingfile"`
	Addresses []string      `arg:"" optional:"" help:"Buckets to show. Shows every bucket when empty."`
	Prune     time.Duration `help:"Delete records older than this before printing."`
}

// Run implements the command.
func (d *DiagCmd) Run(out io.Writer) error {
	ctx := context.Background()
	sink := diag.NewBoltSink()
	if err := sink.Open(d.DB); err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	if d.Prune > 0 {
		removed, err := sink.Prune(ctx, time.Now().Add(-d.Prune))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "# pruned %d records\n", removed); err != nil {
			return err
		}
	}

	addrs := d.Addresses
	if len(addrs) == 0 {
		var err error
		addrs, err = sink.Addresses(ctx)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	for _, addr := range addrs {
		recs, err := sink.List(ctx, addr)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
