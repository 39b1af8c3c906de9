package firecracker

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath   = "SIMPROXY_FC_KERNEL_PATH"
	envRootfsPath   = "SIMPROXY_FC_ROOTFS"
	envBin          = "SIMPROXY_FC_BIN"
	envStateDir     = "SIMPROXY_FC_STATE_DIR"
	envCNIBinDir    = "SIMPROXY_FC_CNI_BIN_DIR"
	envSubnet       = "SIMPROXY_FC_SUBNET"
	envGateway      = "SIMPROXY_FC_GATEWAY"
	envWorkerPort   = "SIMPROXY_FC_WORKER_PORT"
	envCIDBase      = "SIMPROXY_FC_CID_BASE"
	envVCPUs        = "SIMPROXY_FC_VCPUS"
	envMemMB        = "SIMPROXY_FC_MEM_MB"
	envMaxInstances = "SIMPROXY_FC_MAX_VMS"
)

// Config holds settings for the Firecracker deployer.
type Config struct {
	// KernelPath is the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsPath is the ext4 image with the worker installed at
	// GuestWorkerPath. An artifact whose path ends in .ext4 overrides it.
	RootfsPath string

	// FirecrackerBin is the path to the firecracker binary.
	FirecrackerBin string

	// StateDir holds per-VM sockets and rootfs copies. Empty means the
	// system temp directory.
	StateDir string

	// CNIBinDir enables CNI networking when set. Workers are reached over
	// vsock either way; networking only gives the engine outbound access.
	CNIBinDir string
	Subnet    string
	Gateway   string

	// WorkerPort is the vsock port the worker listens on inside the VM.
	WorkerPort uint32

	// CIDBase is the first vsock context id handed out.
	CIDBase uint32

	VCPUs int
	MemMB int

	// MaxVMs bounds the number of concurrently running VMs.
	MaxVMs int
}

// LoadConfig reads SIMPROXY_FC_* environment variables over the defaults.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin: DefaultFirecrackerBin,
		Subnet:         DefaultSubnet,
		Gateway:        DefaultGateway,
		WorkerPort:     DefaultWorkerPort,
		CIDBase:        MinCID,
		VCPUs:          DefaultVCPUs,
		MemMB:          DefaultMemMB,
		MaxVMs:         DefaultMaxVMs,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsPath); v != "" {
		cfg.RootfsPath = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envStateDir); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envSubnet); v != "" {
		cfg.Subnet = v
	}
	if v := os.Getenv(envGateway); v != "" {
		cfg.Gateway = v
	}
	if v := os.Getenv(envWorkerPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil && port > 0 {
			cfg.WorkerPort = uint32(port)
		}
	}
	if v := os.Getenv(envCIDBase); v != "" {
		if cid, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.CIDBase = max(uint32(cid), MinCID)
		}
	}
	cfg.VCPUs = positiveInt(envVCPUs, cfg.VCPUs)
	cfg.MemMB = positiveInt(envMemMB, cfg.MemMB)
	cfg.MaxVMs = positiveInt(envMaxInstances, cfg.MaxVMs)

	return cfg
}

// NetworkEnabled reports whether VMs get a CNI network interface.
func (c Config) NetworkEnabled() bool {
	return strings.TrimSpace(c.CNIBinDir) != ""
}

func positiveInt(env string, def int) int {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
