// SPDX-License-Identifier: LGPL-3.0-or-later

// Package vmrun drives the QEMU process lifecycle: launching a VM with
// its monitor and serial log wired up, inspecting its live state, and
// tearing it down through the cooperative-then-forced shutdown state
// machine.
package vmrun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
)

// Mode selects whether launch_vm waits on the child process or lets the
// hypervisor daemonize itself.
type Mode string

const (
	ModeDetached Mode = "detached"
	ModeAttached Mode = "attached"
)

// Handle is the bookkeeping launch_vm hands back: enough to find the
// pidfile, monitor socket, and logs again later without re-deriving
// paths from the project.
type Handle struct {
	VMName     string
	PID        int
	PidFile    string
	MonitorSock string
	SerialLog  string
	QEMULog    string
}

// Launcher constructs and starts QEMU processes for a project's VMs.
type Launcher struct {
	StateRoot string
	Bus       *events.Bus
	QEMUBinary func() string // overridable in tests
}

func NewLauncher(stateRoot string, bus *events.Bus) *Launcher {
	return &Launcher{StateRoot: stateRoot, Bus: bus, QEMUBinary: defaultQEMUBinary}
}

func defaultQEMUBinary() string {
	if runtime.GOARCH == "arm64" {
		return "qemu-system-aarch64"
	}
	return "qemu-system-x86_64"
}

// LaunchVM constructs the hypervisor command line and starts the process.
// Regardless of mode, <state>/<vm>.pid exists before this returns: in
// detached mode QEMU writes its own pidfile, in attached mode the
// launcher synthesizes one from the child PID it captured directly.
func (l *Launcher) LaunchVM(ctx context.Context, vm project.VM, mode Mode) (*Handle, error) {
	logsDir := filepath.Join(l.StateRoot, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.LaunchFailed, "create logs directory", err)
	}

	h := &Handle{
		VMName:      vm.Name,
		PidFile:     filepath.Join(l.StateRoot, vm.Name+".pid"),
		MonitorSock: filepath.Join(l.StateRoot, vm.Name+".qmp"),
		SerialLog:   filepath.Join(logsDir, vm.Name+"-serial.log"),
		QEMULog:     filepath.Join(logsDir, vm.Name+".log"),
	}

	args, err := l.buildArgs(vm, h, mode)
	if err != nil {
		return nil, err
	}

	qemuLog, err := os.OpenFile(h.QEMULog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.LaunchFailed, "open qemu log", err)
	}
	defer qemuLog.Close()

	cmd := exec.CommandContext(context.WithoutCancel(ctx), l.QEMUBinary(), args...)
	cmd.Stdout = qemuLog
	cmd.Stderr = qemuLog

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.LaunchFailed, fmt.Sprintf("start qemu for %s", vm.Name), err)
	}

	if mode == ModeAttached {
		if err := writePidFile(h.PidFile, cmd.Process.Pid); err != nil {
			return nil, errs.Wrap(errs.LaunchFailed, "write pidfile", err)
		}
		// Reap the process asynchronously so it never becomes a zombie;
		// the caller tracks liveness via the pidfile, not this handle.
		go cmd.Wait()
	} else {
		if err := waitForPidFile(ctx, h.PidFile, cmd.Process.Pid); err != nil {
			return nil, err
		}
	}

	h.PID = cmd.Process.Pid

	l.publish(events.Event{Kind: events.KindVMLaunched, VM: vm.Name, PID: h.PID})
	return h, nil
}

// buildArgs constructs the qemu-system-* command line: user-mode NAT with
// declared host-to-guest forwards, a virtio boot drive, serial redirected
// to a log file, and a QMP monitor on a unix socket.
func (l *Launcher) buildArgs(vm project.VM, h *Handle, mode Mode) ([]string, error) {
	args := []string{
		"-nographic",
		"-m", strconv.Itoa(vm.MemoryMB),
		"-smp", strconv.Itoa(vm.CPU),
		"-machine", "q35",
		"-cpu", "max",
		"-accel", accelForHost(),
	}

	args = append(args,
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", vm.Overlay),
		"-serial", fmt.Sprintf("file:%s", h.SerialLog),
	)

	netdev := "user,id=net0"
	for _, pf := range vm.Ports {
		proto := pf.Protocol
		if proto == "" {
			proto = "tcp"
		}
		netdev += fmt.Sprintf(",hostfwd=%s::%d-:%d", proto, pf.Host, pf.Guest)
	}
	args = append(args,
		"-netdev", netdev,
		"-device", "virtio-net-pci,netdev=net0",
	)

	if supportsUnixSockets() {
		args = append(args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", h.MonitorSock))
	}

	if mode == ModeDetached {
		args = append(args, "-daemonize", "-pidfile", h.PidFile)
	}

	if vm.Profile.Kernel != "" {
		args = append(args, "-kernel", vm.Profile.Kernel)
	}
	if vm.Profile.Initrd != "" {
		args = append(args, "-initrd", vm.Profile.Initrd)
	}
	if vm.Profile.Append != "" {
		args = append(args, "-append", vm.Profile.Append)
	}
	if vm.Profile.MachineType != "" {
		// override the default machine type set above
		for i, a := range args {
			if a == "-machine" {
				args[i+1] = vm.Profile.MachineType
			}
		}
	}

	return args, nil
}

func accelForHost() string {
	switch runtime.GOOS {
	case "darwin":
		return "hvf"
	case "linux":
		if _, err := os.Stat("/dev/kvm"); err == nil {
			return "kvm"
		}
	}
	return "tcg"
}

func supportsUnixSockets() bool {
	return runtime.GOOS != "windows"
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// waitForPidFile polls for the hypervisor's own pidfile in detached mode,
// where -daemonize means the process backgrounds itself and may be slow
// to flush the file.
func waitForPidFile(ctx context.Context, path string, fallbackPID int) error {
	for i := 0; i < 100; i++ {
		if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.LaunchFailed, "wait for pidfile", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	// Hypervisor never flushed its pidfile in time; synthesize one from
	// the child PID we already have rather than fail the launch.
	return writePidFile(path, fallbackPID)
}

func (l *Launcher) publish(e events.Event) {
	if l.Bus != nil {
		l.Bus.Publish(e)
	}
}
