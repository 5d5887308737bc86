// +build !linux

package subprocess

import (
	"os/exec"
	"syscall"
	"time"
)

// execCommand builds an *exec.Cmd in its own process group so kill can
// signal the whole group. No Pdeathsig equivalent exists outside Linux.
func (d *Direct) execCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// kill signals cmd's process group with SIGTERM, then escalates to SIGKILL
// after a grace period.
func (d *Direct) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(30 * time.Millisecond)
	syscall.Kill(-pid, syscall.SIGKILL)
}
