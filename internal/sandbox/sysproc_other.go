//go:build !linux

package sandbox

import (
	"os"
	"os/exec"
)

func setSysProcAttr(*exec.Cmd) {}

func applyMemoryLimit(int, uint64) error { return nil }

func terminateGroup(_ int, p *os.Process) {
	if p != nil {
		_ = p.Signal(os.Interrupt)
	}
}

func killGroup(_ int, p *os.Process) {
	if p != nil {
		_ = p.Kill()
	}
}
