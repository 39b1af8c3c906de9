package firecracker

import (
	"path/filepath"
	"strings"
)

// Vsock settings.
const (
	// DefaultWorkerPort matches the worker binary's default port.
	DefaultWorkerPort uint32 = 8020

	// MinCID is the lowest usable guest context id; 0-2 are reserved.
	MinCID uint32 = 3
)

// VM resource defaults.
const (
	DefaultVCPUs  = 1
	DefaultMemMB  = 512
	DefaultMaxVMs = 8
)

// DefaultFirecrackerBin is looked up on PATH.
const DefaultFirecrackerBin = "firecracker"

// GuestWorkerPath is where the worker binary lives in the rootfs. The kernel
// starts it as init.
const GuestWorkerPath = "/usr/local/bin/simworker"

// baseBootArgs precede init= and the worker arguments on the kernel command
// line.
const baseBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// BootArgs returns the kernel command line that starts the worker as init
// with args. Arguments after "--" are passed to init by the kernel.
func BootArgs(args []string) string {
	parts := []string{baseBootArgs, "init=" + GuestWorkerPath}
	if len(args) > 0 {
		parts = append(parts, "--")
		parts = append(parts, args...)
	}
	return strings.Join(parts, " ")
}

// rootfsImage picks the image to boot: the artifact itself when it is an
// ext4 image, otherwise the configured default.
func rootfsImage(cfg Config, artifactPath string) string {
	if strings.EqualFold(filepath.Ext(artifactPath), ".ext4") {
		return artifactPath
	}
	return cfg.RootfsPath
}
