//go:build !windows

package supervisor

import (
	"fmt"
	"math"
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the adapter in a new session so it is detached
// from the controlling terminal and survives this process exiting.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminate(pid int) error {
	if err := checkPID(pid); err != nil {
		return err
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// checkPID refuses pids that kill(2) would read as "every process" or
// "own group": 0, 1 (init), and anything outside pid_t.
func checkPID(pid int) error {
	if pid <= 1 || pid > math.MaxInt32 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	return nil
}

// terminateGroup signals the adapter's process group, falling back to the pid
// when it is not a group leader.
func terminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := checkPID(pid); err != nil {
		return err
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
