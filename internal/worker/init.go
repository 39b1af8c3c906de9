package worker

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// SetupInit mounts the filesystems a worker needs when it boots as PID 1
// inside a microVM. It does nothing for any other PID.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	logger.Info("running as PID 1, mounting essential filesystems")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("mkdir", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			logger.Warn("mount", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
