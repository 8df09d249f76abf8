// Command concourse is the storage engine's management CLI (§6's "CLI
// surface (management only)"): segment inspection, the external plugin
// registry's bundle lifecycle, and an interactive console for poking at a
// running environment by hand.
//
// Usage:
//
//	concourse dump --list [-e env]
//	concourse dump --id <chunk-id> [-e env]
//	concourse ps-plugin
//	concourse install-bundle <zip>
//	concourse uninstall-bundle <name>
//	concourse console [-e env]
//
// Grounded on cmd/mddb/main.go's switch-on-args[0] dispatch and flag-set-
// per-subcommand shape.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/concoursedb/concourse/internal/config"
	"github.com/concoursedb/concourse/internal/engine"
	"github.com/concoursedb/concourse/pkg/fs"
)

// Exit codes per §6: 0 success, 1 usage, 2 runtime.
const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage())
		return exitUsage
	}

	ctx := context.Background()

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "dump":
		return cmdDump(ctx, rest)
	case "ps-plugin":
		return cmdPsPlugin(rest)
	case "install-bundle":
		return cmdInstallBundle(rest)
	case "uninstall-bundle":
		return cmdUninstallBundle(rest)
	case "console":
		return cmdConsole(ctx, rest)
	case "help", "-h", "--help":
		fmt.Print(usage())
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "concourse: unknown command %q\n%s", cmd, usage())
		return exitUsage
	}
}

func usage() string {
	return `concourse - storage engine management CLI

Commands:
  dump --list [-e env]                        List every on-disk chunk
  dump --id <chunk-id> [-e env] [--format yaml]   Print one chunk's header and revisions
  ps-plugin                        List installed plugin bundles
  install-bundle <zip>             Install a plugin bundle
  uninstall-bundle <name>          Remove a plugin bundle
  console [-e env]                 Interactive read/write console

Exit codes: 0 success, 1 usage, 2 runtime.
`
}

// rootDir is the storage engine root this CLI operates against:
// $CONCOURSE_DB_ROOT when set, otherwise "./concourse-data". The config
// package reads no such variable; the CLI alone consults it.
func rootDir() string {
	if v := os.Getenv("CONCOURSE_DB_ROOT"); v != "" {
		return v
	}

	return "./concourse-data"
}

// openEngine wires a read/write Engine against rootDir(), loading config
// the same way the engine's own embedder would (internal/config.Load's
// defaults-then-overrides chain).
func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, _, err := config.Load("", "", os.Environ())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return engine.Open(cfg, fs.NewReal(), rootDir(), zap.NewNop().Sugar())
}
