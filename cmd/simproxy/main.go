// Command simproxy launches simulation workers through a deployer and drives
// them from the local machine.
//
//	simproxy serve [flags]              run the admin HTTP server
//	simproxy call [flags] <op> [args]   launch a worker, run one operation, tear down
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/simproxy/internal/config"
)

const usage = `usage: simproxy <command> [flags]

commands:
  serve   run the admin HTTP server
  call    launch a worker, run one operation and print its result as JSON
`

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(cfg, args, logger)
	case "call":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = runCall(ctx, cfg, args, os.Stdout, logger)
		stop()
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "simproxy: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		logger.Error("simproxy failed", "error", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("simproxy "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
