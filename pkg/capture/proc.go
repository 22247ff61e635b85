// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// procCache memoizes process lookups; a wrapped server's identity does
// not change over its lifetime.
var procCache sync.Map // int32 -> string

// ProcessName resolves a pid to a human-readable "name (cmdline)" string
// for stdio flow records. Lookups that fail (process already gone,
// restricted /proc) return the empty string.
func ProcessName(pid int32) string {
	if pid <= 0 {
		return ""
	}
	if v, ok := procCache.Load(pid); ok {
		return v.(string)
	}

	p, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	if cmdline, err := p.Cmdline(); err == nil && cmdline != "" && cmdline != name {
		if len(cmdline) > 120 {
			cmdline = cmdline[:120] + "..."
		}
		name = name + " (" + strings.TrimSpace(cmdline) + ")"
	}

	procCache.Store(pid, name)
	return name
}
