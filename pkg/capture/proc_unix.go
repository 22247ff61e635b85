// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build unix

package capture

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttrs puts the wrapped server in its own process group so a
// shell signal to mcpwatch does not race the relay loops, and teardown
// can reach grandchildren the server spawns.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the wrapped server's process group.
func terminateProcess(cmd *exec.Cmd) {
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(unix.SIGTERM)
		return
	}
	_ = unix.Kill(-pgid, unix.SIGTERM)
}
