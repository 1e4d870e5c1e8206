// Command browserflow runs declarative browser workflows: once from the
// command line, as a queue worker, on a cron schedule or as an MCP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/browserflow/
var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and maps its error to an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	err := newCLI(stdout, stderr).RunContext(ctx, args)
	if err == nil {
		return exitOK
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := ec.Error(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return ec.ExitCode()
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailed
}

func newCLI(stdout, stderr io.Writer) *cli.App {
	cmds := &commands{stdout: stdout, stderr: stderr}
	return &cli.App{
		Name:    "browserflow",
		Usage:   "Declarative browser workflow engine",
		Version: version,
		Description: `browserflow executes workflow documents against a real or offline
browser, escalating stuck actions to vision models or humans.

Examples:
  browserflow validate checkout.yaml
  browserflow run checkout.yaml -p sku=A1
  browserflow worker --serve
  browserflow --queue redis enqueue checkout.yaml`,
		Flags:          globalFlags(),
		Writer:         stdout,
		ErrWriter:      stderr,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			cmds.runCommand(),
			cmds.validateCommand(),
			cmds.workerCommand(),
			cmds.enqueueCommand(),
			cmds.scheduleCommand(),
			cmds.serveCommand(),
			cmds.mcpCommand(),
			cmds.diagramCommand(),
			cmds.initCommand(),
		},
	}
}
