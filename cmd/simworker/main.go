// Command simworker serves one engine to a simproxy session. It runs as a
// plain process (started directly or over ssh by the exec deployer) or as
// PID 1 inside a Firecracker microVM.
//
// Build the guest copy with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o simworker ./cmd/simworker
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
	"strings"
	"syscall"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/config"
	"github.com/seantiz/simproxy/internal/engine"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/worker"
)

const defaultListen = "tcp://0.0.0.0:8020"

// engineTopic carries the served engine's state events to the proxy.
const engineTopic = "engine"

func main() {
	logger := config.NewLogger(os.Stderr, config.Load().LogLevel)
	worker.SetupInit(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Error("simworker failed", "error", err)
		os.Exit(1)
	}
}

// run parses args, binds the listener, prints the address report when asked
// and serves until a stop request, ctx cancellation or a listener failure.
func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("simworker", flag.ContinueOnError)
	listen := fs.String(flagName(launch.FlagListen), defaultListen, "address to listen on (tcp://host:port or vsock://:port)")
	report := fs.Bool(flagName(launch.FlagReport), false, "print the bound address on stdout once listening")
	engineName := fs.String(flagName(launch.FlagEngine), launch.DefaultEngine, "engine to serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	broker := events.NewBroker()
	e, err := engine.Defaults().New(*engineName, engine.Params{Broker: broker, Topic: engineTopic, Logger: logger})
	if err != nil {
		return err
	}

	l, err := channel.Listen(*listen)
	if err != nil {
		return err
	}
	defer l.Close()
	addr := channel.ListenerAddress(l)

	srv := worker.New(e, worker.WithLogger(logger), worker.WithEvents(broker, engineTopic))
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	logger.Info("simworker: listening", "address", addr, "engine", *engineName)
	if *report {
		if _, err := fmt.Fprintln(stdout, channel.FormatReport(addr)); err != nil {
			return fmt.Errorf("write address report: %w", err)
		}
	}

	if err := srv.Serve(l); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("simworker: stopped")
	return nil
}

// flagName strips the leading dashes the launcher uses on the command line.
func flagName(s string) string {
	return strings.TrimLeft(s, "-")
}
