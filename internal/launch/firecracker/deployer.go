// Package firecracker deploys workers into Firecracker microVMs. The worker
// boots as init, listens on vsock, and is reached from the host through the
// VM's vsock bridge socket.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/model"
)

// DeployerName is the name used in the deployer registry.
const DeployerName = "firecracker"

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	apiSocketName   = "fc.sock"
	vsockSocketName = "vsock.sock"
	rootfsName      = "rootfs.ext4"

	gracefulShutdownTimeout = 3 * time.Second
)

// vm is one running worker microVM. It implements launch.Process.
type vm struct {
	id        string
	machine   *fcsdk.Machine
	cancel    context.CancelFunc
	cid       uint32
	network   *vmNetwork
	dir       string
	vsockPath string
	output    *io.PipeReader

	done     chan struct{}
	mu       sync.Mutex
	err      error
	stopOnce sync.Once
}

func (v *vm) Output() io.Reader     { return v.output }
func (v *vm) Done() <-chan struct{} { return v.done }
func (v *vm) ID() string            { return v.id }

func (v *vm) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Deployer implements launch.Deployer with Firecracker microVMs on the local
// host.
type Deployer struct {
	cfg    Config
	net    *NetworkManager
	cids   *cidPool
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vm
}

var _ launch.Deployer = (*Deployer)(nil)

// NewDeployer creates a deployer. CNI networking is set up only when cfg
// names a plugin directory.
func NewDeployer(cfg Config, logger *slog.Logger) (*Deployer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Deployer{
		cfg:    cfg,
		cids:   newCIDPool(cfg.CIDBase, cfg.MaxVMs),
		logger: logger,
		vms:    make(map[string]*vm),
	}
	if cfg.NetworkEnabled() {
		nm, err := NewNetworkManager(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create network manager: %w", err)
		}
		d.net = nm
	}
	return d, nil
}

// Verify checks that the kernel, the default rootfs and the CNI plugins are
// present.
func (d *Deployer) Verify() error {
	for _, p := range []string{d.cfg.KernelPath, d.cfg.RootfsPath} {
		if p == "" {
			return fmt.Errorf("kernel and rootfs paths must be configured")
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
	}
	if d.net != nil {
		return d.net.Verify()
	}
	return nil
}

// Deploy boots a VM running the worker with args. The worker's --listen
// address is replaced with a vsock address, and its readiness report is
// rewritten to the host-side bridge socket.
func (d *Deployer) Deploy(ctx context.Context, host string, artifact launch.Artifact, args []string) (launch.Process, error) {
	if !launch.IsLocalHost(host) {
		return nil, fmt.Errorf("firecracker deployer runs VMs on the local host only, not %q", host)
	}
	rootfs := rootfsImage(d.cfg, artifact.Path)
	if d.cfg.KernelPath == "" || rootfs == "" {
		return nil, fmt.Errorf("kernel and rootfs paths must be configured")
	}

	start := time.Now()
	v, err := d.boot(ctx, rootfs, args)
	if err != nil {
		vmBootsTotal.WithLabelValues(bootFailed).Inc()
		return nil, err
	}
	vmBootsTotal.WithLabelValues(bootOK).Inc()
	vmBootDuration.Observe(time.Since(start).Seconds())
	return v, nil
}

func (d *Deployer) boot(ctx context.Context, rootfs string, args []string) (*vm, error) {
	v := &vm{id: model.NewID(), done: make(chan struct{})}

	cid, err := d.cids.allocate()
	if err != nil {
		return nil, err
	}
	v.cid = cid

	// Partially built VMs are released through the same path as running ones.
	ok := false
	defer func() {
		if !ok {
			d.release(v)
		}
	}()

	if d.net != nil {
		if v.network, err = d.net.Setup(ctx, v.id); err != nil {
			return nil, fmt.Errorf("network setup: %w", err)
		}
	}

	if v.dir, err = os.MkdirTemp(d.cfg.StateDir, "simvm-"); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	vmRootfs := filepath.Join(v.dir, rootfsName)
	if err := copyRootfs(rootfs, vmRootfs); err != nil {
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(v.dir, apiSocketName)
	v.vsockPath = filepath.Join(v.dir, vsockSocketName)

	listen := channel.Address{Network: channel.NetworkVsock, Port: d.cfg.WorkerPort}
	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: d.cfg.KernelPath,
		KernelArgs:      BootArgs(launch.ReplaceListenArg(args, listen.String())),
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(vmRootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		VsockDevices: []fcsdk.VsockDevice{{
			ID:   vsockDeviceID,
			Path: v.vsockPath,
			CID:  cid,
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(d.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(d.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: v.id,
	}
	if v.network != nil {
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  v.network.MACAddress,
				HostDevName: v.network.TAPDevice,
			},
		}}
		fcCfg.NetNS = v.network.NamespacePath
	}

	// The serial console carries the worker's stdout, including the
	// readiness line.
	console, consoleW := io.Pipe()
	out, outW := io.Pipe()
	v.output = out
	go rewriteReports(console, outW, v.vsockPath)

	// The VM outlives the deploy request, so it gets its own context.
	vmCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	// SDK logging is discarded; the deployer logs through slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(d.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		WithStdout(consoleW).
		WithStderr(consoleW).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		consoleW.Close()
		return nil, fmt.Errorf("create machine: %w", err)
	}
	v.machine = machine

	if err := machine.Start(vmCtx); err != nil {
		consoleW.Close()
		return nil, fmt.Errorf("start VM: %w", err)
	}
	activeVMs.Inc()

	d.mu.Lock()
	d.vms[v.id] = v
	d.mu.Unlock()

	go func() {
		err := machine.Wait(context.Background())
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
		consoleW.Close()
		close(v.done)
	}()

	ok = true
	d.logger.Info("worker VM started", "vm", v.id, "cid", cid, "vcpus", d.cfg.VCPUs, "mem_mb", d.cfg.MemMB)
	return v, nil
}

// Terminate stops the VM and releases its CID, network and files.
func (d *Deployer) Terminate(ctx context.Context, p launch.Process) error {
	v, ok := p.(*vm)
	if !ok {
		return fmt.Errorf("process %s is not a firecracker VM", p.ID())
	}
	d.stop(v)
	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for VM %s: %w", v.id, ctx.Err())
	}
}

// Shutdown stops every running VM.
func (d *Deployer) Shutdown(ctx context.Context) {
	d.mu.Lock()
	vms := make([]*vm, 0, len(d.vms))
	for _, v := range d.vms {
		vms = append(vms, v)
	}
	d.mu.Unlock()

	for _, v := range vms {
		if err := d.Terminate(ctx, v); err != nil {
			d.logger.Error("shutdown VM", "vm", v.id, "error", err)
		}
	}
	if d.net != nil {
		d.net.TeardownAll(ctx)
	}
}

// stop shuts the machine down, gracefully if it responds in time, then
// releases everything. Cleanup runs on fresh contexts.
func (d *Deployer) stop(v *vm) {
	v.stopOnce.Do(func() {
		start := time.Now()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := v.machine.Shutdown(shutdownCtx); err != nil {
			d.logger.Debug("graceful shutdown failed, forcing stop", "vm", v.id, "error", err)
			if err := v.machine.StopVMM(); err != nil {
				d.logger.Debug("StopVMM failed", "vm", v.id, "error", err)
			}
		}

		select {
		case <-v.done:
		case <-time.After(gracefulShutdownTimeout):
			d.logger.Warn("VM did not exit, cancelling", "vm", v.id)
			v.cancel()
		}

		activeVMs.Dec()
		d.release(v)
		vmCleanupDuration.Observe(time.Since(start).Seconds())
		d.logger.Info("worker VM stopped", "vm", v.id)
	})
}

// release frees the CID, network and state directory of v.
func (d *Deployer) release(v *vm) {
	d.mu.Lock()
	delete(d.vms, v.id)
	d.mu.Unlock()

	if v.cancel != nil {
		v.cancel()
	}
	d.cids.release(v.cid)

	if d.net != nil && v.network != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := d.net.Teardown(ctx, v.id); err != nil {
			d.logger.Warn("network teardown failed", "vm", v.id, "error", err)
		}
		cancel()
	}
	if v.dir != "" {
		if err := os.RemoveAll(v.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Debug("remove state dir", "vm", v.id, "error", err)
		}
	}
}

// copyRootfs copies the image, copy-on-write where the filesystem allows.
func copyRootfs(src, dst string) error {
	out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(out), err)
	}
	return nil
}
