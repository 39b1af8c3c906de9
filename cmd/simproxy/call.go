package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/config"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/proxy"
	"github.com/seantiz/simproxy/internal/session"
)

// kwargPattern matches a name=value argument. JSON strings start with a
// quote, so they never match.
var kwargPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

func runCall(ctx context.Context, cfg config.Config, args []string, stdout io.Writer, logger *slog.Logger) error {
	logger = orDiscard(logger)

	scfg, err := session.LoadConfig()
	if err != nil {
		return err
	}

	fs := newFlagSet("call", os.Stderr)
	fs.StringVar(&cfg.Deployer, "deployer", cfg.Deployer, "deployer that starts the worker")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "engine the worker serves")
	fs.StringVar(&cfg.WorkerPath, "worker", cfg.WorkerPath, "worker binary or rootfs image")
	fs.StringVar(&scfg.Host, "host", scfg.Host, "host to launch the worker on")
	fs.IntVar(&scfg.Port, "port", scfg.Port, "port the worker binds (0 picks one)")
	fs.DurationVar(&scfg.CallTimeout, "timeout", scfg.CallTimeout, "per-call response timeout")
	local := fs.Bool("local", false, "serve the engine inside this process")
	run := fs.Bool("run", false, "call run before the operation")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: simproxy call [flags] <op> [json-arg | name=json-arg]...\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing operation")
	}
	if *local {
		cfg.Deployer = launch.DeployerInProcess
	}

	op := fs.Arg(0)
	callArgs, kwargs, err := parseCallArgs(fs.Args()[1:])
	if err != nil {
		return err
	}

	reg, cleanup, err := deployers(cfg.Deployer, scfg.LaunchTimeout, events.NewBroker(), logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		cleanup(ctx)
	}()
	d, err := reg.Resolve(cfg.Deployer)
	if err != nil {
		return err
	}

	e := proxy.New(scfg, d, launch.Artifact{Path: cfg.WorkerPath, Engine: cfg.Engine}, proxy.WithLogger(logger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), scfg.GracePeriod+5*time.Second)
		defer cancel()
		if err := e.Close(ctx); err != nil {
			logger.Warn("close session", "error", err)
		}
	}()

	if *run {
		if err := e.Run(ctx); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}
	result, err := e.CallKw(ctx, op, callArgs, kwargs)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(codec.ToJSON(result))
}

// parseCallArgs decodes positional JSON arguments and name=JSON keyword
// arguments. A value that is not valid JSON is taken as a plain string.
func parseCallArgs(raw []string) ([]codec.Value, map[string]codec.Value, error) {
	var (
		args   []codec.Value
		kwargs map[string]codec.Value
	)
	for _, s := range raw {
		if m := kwargPattern.FindStringSubmatch(s); m != nil {
			v, err := parseValue(m[2])
			if err != nil {
				return nil, nil, fmt.Errorf("argument %s: %w", m[1], err)
			}
			if kwargs == nil {
				kwargs = make(map[string]codec.Value)
			}
			kwargs[m[1]] = v
			continue
		}
		if kwargs != nil {
			return nil, nil, fmt.Errorf("positional argument %q after keyword arguments", s)
		}
		v, err := parseValue(s)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, v)
	}
	return args, kwargs, nil
}

func parseValue(s string) (codec.Value, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s, nil
	}
	return codec.FromJSON(v)
}
