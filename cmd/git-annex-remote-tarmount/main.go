// Command git-annex-remote-tarmount is a git-annex external special remote
// that keeps content in a fixed set of tar archives and reads it back
// through read-only FUSE mounts.
//
// git-annex starts it without arguments and talks to it over stdin and
// stdout. The other subcommands inspect a remote's directory by hand.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

// CLI is the command line.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Speak the special remote protocol on stdin and stdout (default)."`
	Address AddressCmd `cmd:"" help:"Print the bucket a key is stored in."`
	Ls      LsCmd      `cmd:"" help:"List the keys held in bucket archives."`
	Diag    DiagCmd    `cmd:"" help:"Show recorded tool failures."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("git-annex-remote-tarmount"),
		kong.Description("git-annex special remote storing content in mounted tar archives."),
		kong.UsageOnError(),
		kong.BindTo(os.Stdout, (*io.Writer)(nil)),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run implements the command.
func (VersionCmd) Run(out io.Writer) error {
	_, err := io.WriteString(out, version+"\n")
	return err
}
