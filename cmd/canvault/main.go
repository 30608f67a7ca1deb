// Command canvault queries a canvault capture database: recent
// frames, capture sessions, gap reports, and on-demand backups. It
// opens the SQLite store read-side and never touches the bus.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/canvault/canvault/lib/process"
)

const usage = `usage: canvault <command> [flags]

Commands:
  frames     show recently captured frames
  sessions   list capture sessions
  gaps       report adapter drop gaps
  backup     write a compressed database snapshot
  version    print version information

Run 'canvault <command> --help' for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("command required")
	}
	name, rest := args[0], args[1:]
	switch name {
	case "frames":
		return framesCommand(context.Background(), rest)
	case "sessions":
		return sessionsCommand(context.Background(), rest)
	case "gaps":
		return gapsCommand(context.Background(), rest)
	case "backup":
		return backupCommand(context.Background(), rest)
	case "version":
		return versionCommand(rest)
	case "help", "--help", "-h":
		fmt.Fprint(os.Stderr, usage)
		return nil
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", name)
}
