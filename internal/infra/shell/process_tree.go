package shell

import (
	"errors"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// maxTreeDepth caps the descendant walk in case of a pathological fork chain.
const maxTreeDepth = 32

// killProcessTree SIGKILLs the child's process group and then every
// descendant found beneath it, which catches processes that called setsid
// or setpgid to leave the group. Descendants are collected first because
// they are reparented to init as soon as the group dies.
func (e *shellRunner) killProcessTree(pid int) error {
	descendants := collectDescendants(int32(pid))

	groupErr := syscall.Kill(-pid, syscall.SIGKILL)
	for _, p := range descendants {
		if err := p.Kill(); err != nil && !isGone(err) {
			e.logger.Debug("failed to kill descendant", "pid", p.Pid, "error", err)
		}
	}

	if groupErr != nil {
		if errors.Is(groupErr, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return groupErr
	}
	e.logger.Debug("killed process tree", "pgid", pid, "descendants", len(descendants))
	return nil
}

func collectDescendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	var out []*process.Process
	level := []*process.Process{root}
	for depth := 0; depth < maxTreeDepth && len(level) > 0; depth++ {
		var next []*process.Process
		for _, p := range level {
			children, err := p.Children()
			if err != nil {
				continue
			}
			next = append(next, children...)
		}
		out = append(out, next...)
		level = next
	}
	return out
}

func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) || errors.Is(err, process.ErrorProcessNotRunning)
}
