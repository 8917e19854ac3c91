package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tarmount "github.com/wolfeidau/annex-tarmount"
	"github.com/wolfeidau/annex-tarmount/archive"
	"github.com/wolfeidau/annex-tarmount/process"
)

// AddressCmd prints the bucket of a key.
type AddressCmd struct {
	Key           string `arg:"" help:"git-annex key."`
	AddressLength int    `short:"l" help:"Checksum characters used to pick a bucket." default:"1"`
	Directory     string `short:"d" help:"Remote directory; also prints the bucket paths." type:"path"`
}

// Run implements the command.
func (a *AddressCmd) Run(out io.Writer) error {
	addr, err := tarmount.Address(a.Key, a.AddressLength)
	if err != nil {
		return err
	}
	if a.Directory == "" {
		_, err = fmt.Fprintln(out, addr)
		return err
	}
	b := tarmount.NewBucket(a.Directory, addr)
	_, err = fmt.Fprintf(out, "%s\t%s\t%s\n", b.Address, b.Archive, b.MountPoint)
	return err
}

// LsCmd lists archive entries without mounting anything.
type LsCmd struct {
	Directory string   `arg:"" help:"Remote directory." type:"existingdir"`
	Addresses []string `arg:"" optional:"" help:"Buckets to list. Lists every bucket when empty."`
}

// Run implements the command.
func (l *LsCmd) Run(out io.Writer) error {
	addrs := l.Addresses
	if len(addrs) == 0 {
		var err error
		addrs, err = bucketAddresses(l.Directory)
		if err != nil {
			return err
		}
	}

	store := archive.NewStore(process.NewExecRunner())
	for _, addr := range addrs {
		names, err := store.Entries(context.Background(), tarmount.NewBucket(l.Directory, addr))
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, err := fmt.Fprintf(out, "%s\t%s\n", addr, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// bucketAddresses returns the addresses of the archives in dir.
func bucketAddresses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var addrs []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && filepath.Ext(name) == tarmount.ArchiveExt {
			addrs = append(addrs, strings.TrimSuffix(name, tarmount.ArchiveExt))
		}
	}
	sort.Strings(addrs)
	return addrs, nil
}
