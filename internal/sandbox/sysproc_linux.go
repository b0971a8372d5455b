//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the child in its own process group so signals reach
// any grandchildren, and arranges a kernel-delivered SIGKILL if the host
// dies first.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}

// applyMemoryLimit caps the child's address space at the manifest ceiling.
// The enforcer still samples and escalates; the rlimit is the kernel-side
// backstop when sampling lags a fast allocator.
func applyMemoryLimit(pid int, limitBytes uint64) error {
	if limitBytes == 0 {
		return nil
	}
	lim := unix.Rlimit{Cur: limitBytes, Max: limitBytes}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
}

func terminateGroup(pid int, _ *os.Process) {
	_ = unix.Kill(-pid, unix.SIGTERM)
}

func killGroup(pid int, _ *os.Process) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
