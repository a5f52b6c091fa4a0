// SPDX-License-Identifier: LGPL-3.0-or-later

// Package preflight runs the host capacity and toolchain checks required
// before any VM process is spawned: binary presence, CPU/memory headroom,
// disk space, and port availability.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
)

// Thresholds for capacity checks (spec-level constants, not configurable
// per project — a project that needs different thresholds passes
// --force).
const (
	cpuMemWarnFreeFraction = 0.25
	cpuMemFailFreeFraction = 0.10
	diskWarnBytes          = 2 << 30  // 2 GiB
	diskFailBytes          = 500 << 20 // 500 MiB
)

// HostStats abstracts host resource sampling so tests can supply
// deterministic host capacity/disk figures.
type HostStats interface {
	CPUCount() int
	TotalMemoryBytes() int64
	FreeMemoryBytes() int64
	FreeDiskBytes(path string) (int64, error)
}

// Result is the outcome of running every check, in order.
type Result struct {
	Diagnostics []project.Diagnostic
	Forced      []string // checks whose hard failure was downgraded by --force
}

// Runner executes the ordered preflight checks.
type Runner struct {
	Stats HostStats
	Bus   *events.Bus
	Force bool

	// LookPath resolves a binary name to a path; overridable in tests so
	// the toolchain check doesn't depend on qemu actually being installed.
	LookPath func(string) (string, error)
}

func NewRunner(stats HostStats, bus *events.Bus, force bool) *Runner {
	return &Runner{Stats: stats, Bus: bus, Force: force, LookPath: exec.LookPath}
}

// Run executes checks 1-4 in order against p. Check 1 (toolchain) and
// check 4 (port conflicts) always hard-fail regardless of --force; checks
// 2 (capacity) and 3 (disk) downgrade to warnings under --force.
func (r *Runner) Run(ctx context.Context, p *project.Project, dirs []string) (*Result, error) {
	res := &Result{}

	if r.LookPath == nil {
		r.LookPath = exec.LookPath
	}
	if err := r.checkToolchain(ctx); err != nil {
		return res, err
	}

	if err := r.checkCapacity(p, res); err != nil {
		return res, err
	}

	if err := r.checkDisk(dirs, res); err != nil {
		return res, err
	}

	if err := r.checkPorts(p); err != nil {
		return res, err
	}

	return res, nil
}

// checkToolchain detects qemu-system-* and qemu-img concurrently,
// mirroring the capability detector's fan-out: each probe is independent
// and the slowest one determines total latency, not their sum.
func (r *Runner) checkToolchain(ctx context.Context) error {
	type probe struct {
		name string
		bins []string
	}
	probes := []probe{
		{"qemu-img", []string{"qemu-img"}},
		{"qemu-system", []string{"qemu-system-x86_64", "qemu-system-aarch64", "qemu-system-arm"}},
	}

	var wg sync.WaitGroup
	found := make([]bool, len(probes))
	for i, pr := range probes {
		wg.Add(1)
		go func(i int, pr probe) {
			defer wg.Done()
			for _, bin := range pr.bins {
				if _, err := r.LookPath(bin); err == nil {
					found[i] = true
					return
				}
			}
		}(i, pr)
	}
	wg.Wait()

	r.publish("checking VM toolchain presence")

	for i, pr := range probes {
		if !found[i] {
			return errs.WithHelp(errs.PreflightFailed,
				fmt.Sprintf("%s not found on PATH", pr.name),
				"install the QEMU toolchain for your platform and ensure it is on PATH")
		}
	}
	return nil
}

func (r *Runner) checkCapacity(p *project.Project, res *Result) error {
	var reqCPU int
	var reqMem int64
	for _, vm := range p.VMs {
		reqCPU += vm.CPU
		reqMem += vm.MemoryBytes()
	}

	r.publish("checking host capacity headroom")

	totalCPU := r.Stats.CPUCount()
	totalMem := r.Stats.TotalMemoryBytes()
	freeMem := r.Stats.FreeMemoryBytes()

	cpuHeadroom := headroomFraction(float64(totalCPU), float64(totalCPU-reqCPU))
	memHeadroom := headroomFraction(float64(totalMem), float64(freeMem-reqMem))

	headroom := cpuHeadroom
	if memHeadroom < headroom {
		headroom = memHeadroom
	}

	switch {
	case headroom < cpuMemFailFreeFraction:
		if r.Force {
			res.Forced = append(res.Forced, "capacity")
			res.Diagnostics = append(res.Diagnostics, project.Diagnostic{
				Severity: "warn",
				Message:  "host capacity headroom below failure threshold, continuing due to --force",
			})
			return nil
		}
		return errs.New(errs.PreflightFailed, "insufficient host CPU/memory headroom for requested VMs")
	case headroom < cpuMemWarnFreeFraction:
		res.Diagnostics = append(res.Diagnostics, project.Diagnostic{
			Severity: "warn",
			Message:  "host capacity headroom is low for requested VMs",
		})
	}
	return nil
}

func headroomFraction(total, remaining float64) float64 {
	if total <= 0 {
		return 0
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining / total
}

func (r *Runner) checkDisk(dirs []string, res *Result) error {
	r.publish("checking disk free space")

	for _, dir := range dirs {
		free, err := r.Stats.FreeDiskBytes(dir)
		if err != nil {
			return errs.Wrap(errs.PreflightFailed, fmt.Sprintf("stat free disk space for %s", dir), err)
		}

		switch {
		case free < diskFailBytes:
			if r.Force {
				res.Forced = append(res.Forced, "disk:"+dir)
				res.Diagnostics = append(res.Diagnostics, project.Diagnostic{
					Severity: "warn",
					Message:  fmt.Sprintf("disk free space for %s below failure threshold, continuing due to --force", dir),
					Path:     dir,
				})
				continue
			}
			return errs.New(errs.PreflightFailed, fmt.Sprintf("insufficient disk free space for %s", dir))
		case free < diskWarnBytes:
			res.Diagnostics = append(res.Diagnostics, project.Diagnostic{
				Severity: "warn",
				Message:  fmt.Sprintf("disk free space for %s is low", dir),
				Path:     dir,
			})
		}
	}
	return nil
}

// checkPorts verifies every declared host port is bindable and not
// double-booked by another VM in the same project.
func (r *Runner) checkPorts(p *project.Project) error {
	r.publish("checking port availability")

	seen := map[int]string{}
	for _, vm := range p.VMs {
		for _, pf := range vm.Ports {
			if owner, ok := seen[pf.Host]; ok {
				return errs.New(errs.PreflightFailed,
					fmt.Sprintf("port conflict: host port %d requested by both %q and %q", pf.Host, owner, vm.Name))
			}
			seen[pf.Host] = vm.Name

			if err := checkBindable(pf.Host); err != nil {
				return errs.Wrap(errs.PreflightFailed,
					fmt.Sprintf("port conflict: host port %d unavailable", pf.Host), err)
			}
		}
	}
	return nil
}

func checkBindable(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}

func (r *Runner) publish(text string) {
	if r.Bus != nil {
		r.Bus.Publish(events.Event{Kind: events.KindMessage, Severity: events.SeverityInfo, Text: text})
	}
}
