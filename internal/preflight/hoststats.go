// SPDX-License-Identifier: LGPL-3.0-or-later

package preflight

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/castra-dev/castra/internal/errs"
)

// SystemStats is the production HostStats backed by syscall.Statfs for
// disk space and /proc/meminfo for memory.
type SystemStats struct{}

func (SystemStats) CPUCount() int { return runtime.NumCPU() }

func (SystemStats) TotalMemoryBytes() int64 {
	total, _ := readMemInfo()
	return total
}

func (SystemStats) FreeMemoryBytes() int64 {
	_, free := readMemInfo()
	return free
}

func (SystemStats) FreeDiskBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, errs.Wrap(errs.PreflightFailed, "statfs", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// readMemInfo parses /proc/meminfo for MemTotal and MemAvailable. Absence
// of the file (non-Linux hosts) yields zeros, which the capacity check
// treats as a hard failure unless --force is set — deliberately
// conservative rather than silently skipping the check.
func readMemInfo() (totalBytes, availBytes int64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalBytes = parseMemInfoKB(line) * 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			availBytes = parseMemInfoKB(line) * 1024
		}
	}
	return totalBytes, availBytes
}

func parseMemInfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb
}
