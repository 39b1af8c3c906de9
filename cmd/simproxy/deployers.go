package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/simproxy/internal/engine"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/launch/firecracker"
)

// deployers builds the deployer registry. The firecracker deployer is added
// only when a kernel is configured; cleanup stops any VMs it left running.
// launchTimeout also bounds the wait for a remote shell to start the worker.
func deployers(fallback string, launchTimeout time.Duration, broker *events.Broker, logger *slog.Logger) (*launch.Registry, func(context.Context), error) {
	reg := launch.NewRegistry(fallback)
	execDeployer := launch.NewExecDeployer(logger)
	execDeployer.StartTimeout = launchTimeout
	reg.Register(launch.DeployerExec, execDeployer)
	reg.Register(launch.DeployerInProcess, launch.NewInProcessDeployer(engine.Defaults(), broker, logger))

	cleanup := func(context.Context) {}

	fcCfg := firecracker.LoadConfig()
	if fcCfg.KernelPath == "" {
		return reg, cleanup, nil
	}
	d, err := firecracker.NewDeployer(fcCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create firecracker deployer: %w", err)
	}
	if err := d.Verify(); err != nil {
		return nil, nil, fmt.Errorf("verify firecracker deployer: %w", err)
	}
	reg.Register(firecracker.DeployerName, d)
	logger.Info("firecracker deployer enabled",
		"kernel", fcCfg.KernelPath,
		"max_vms", fcCfg.MaxVMs,
		"network", fcCfg.NetworkEnabled(),
	)
	return reg, d.Shutdown, nil
}
