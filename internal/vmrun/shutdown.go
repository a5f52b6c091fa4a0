// SPDX-License-Identifier: LGPL-3.0-or-later

package vmrun

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
)

// ShutdownResult is the per-VM outcome of the cooperative-then-forced
// shutdown state machine.
type ShutdownResult struct {
	VM      string
	Outcome string // "graceful" | "forced"
	TotalMS int64
}

const livenessPollInterval = 100 * time.Millisecond

// ShutdownVM drives the ordered shutdown state machine for a single VM:
//
//	shutdown_requested
//	 -> cooperative_attempted
//	 -> cooperative_succeeded (terminal)
//	    | cooperative_timed_out -> [shutdown_escalated(term) -> [shutdown_escalated(kill)]?]?
//	 -> shutdown_complete
//
// One VM's shutdown never blocks another's: callers run this concurrently,
// one goroutine per VM, and each call only touches that VM's own pidfile,
// monitor socket, and overlay.
func (l *Launcher) ShutdownVM(ctx context.Context, vm project.VM, lifecycle project.LifecyclePolicy) (*ShutdownResult, error) {
	start := time.Now()
	l.publish(events.Event{Kind: events.KindShutdownRequested, VM: vm.Name})

	pidPath := pidFilePath(l.StateRoot, vm.Name)
	sockPath := monitorSockPath(l.StateRoot, vm.Name)

	pid, ok := readPIDFile(pidPath)
	if !ok || !processAlive(pid) {
		// Already stopped: idempotent re-entry skips straight to the
		// terminal event with zero elapsed time and no signals sent.
		l.cleanupTerminalState(vm, pidPath, sockPath)
		l.publish(events.Event{Kind: events.KindShutdownComplete, VM: vm.Name, Outcome: "graceful", TotalMS: 0})
		return &ShutdownResult{VM: vm.Name, Outcome: "graceful", TotalMS: 0}, nil
	}

	outcome := l.runCooperative(ctx, vm, pid, sockPath, lifecycle.CooperativeWait)
	if outcome == "" {
		outcome = l.escalate(ctx, vm, pid, lifecycle)
	}

	l.cleanupTerminalState(vm, pidPath, sockPath)

	total := time.Since(start).Milliseconds()
	l.publish(events.Event{Kind: events.KindShutdownComplete, VM: vm.Name, Outcome: outcome, TotalMS: total})
	return &ShutdownResult{VM: vm.Name, Outcome: outcome, TotalMS: total}, nil
}

// runCooperative attempts the cooperative channel and waits for the
// process to exit on its own. It returns "graceful" on success, or "" if
// the caller must escalate to signals.
func (l *Launcher) runCooperative(ctx context.Context, vm project.VM, pid int, sockPath string, wait time.Duration) string {
	channel, available := dialCooperativeChannel(sockPath)
	if !available {
		l.publish(events.Event{Kind: events.KindCooperativeAttempted, VM: vm.Name, Method: "unavailable", TimeoutMS: 0})
		l.publish(events.Event{Kind: events.KindCooperativeTimedOut, VM: vm.Name, TimeoutMS: 0,
			Reason: "channel_unavailable", Detail: "no monitor socket reachable"})
		return ""
	}
	defer channel.Close()

	l.publish(events.Event{Kind: events.KindCooperativeAttempted, VM: vm.Name, Method: "monitor", TimeoutMS: wait.Milliseconds()})

	attemptStart := time.Now()
	if err := channel.RequestPowerdown(ctx); err != nil {
		l.publish(events.Event{Kind: events.KindCooperativeTimedOut, VM: vm.Name, TimeoutMS: wait.Milliseconds(),
			Reason: "channel_error", Detail: err.Error()})
		return ""
	}

	if waitForExit(ctx, pid, wait) {
		l.publish(events.Event{Kind: events.KindCooperativeSucceeded, VM: vm.Name, DurationMS: time.Since(attemptStart).Milliseconds()})
		return "graceful"
	}

	l.publish(events.Event{Kind: events.KindCooperativeTimedOut, VM: vm.Name, TimeoutMS: wait.Milliseconds(),
		Reason: "timeout_expired"})
	return ""
}

// escalate sends SIGTERM, waits, then SIGKILL, waits again. Reaching this
// function at all means at least one signal will be sent, so the outcome
// is always "forced".
func (l *Launcher) escalate(ctx context.Context, vm project.VM, pid int, lifecycle project.LifecyclePolicy) string {
	signalProcess(pid, syscall.SIGTERM)
	l.publish(events.Event{Kind: events.KindShutdownEscalated, VM: vm.Name, Signal: "term", WaitMS: lifecycle.TermWait.Milliseconds()})
	if waitForExit(ctx, pid, lifecycle.TermWait) {
		return "forced"
	}

	signalProcess(pid, syscall.SIGKILL)
	l.publish(events.Event{Kind: events.KindShutdownEscalated, VM: vm.Name, Signal: "kill", WaitMS: lifecycle.KillWait.Milliseconds()})
	waitForExit(ctx, pid, lifecycle.KillWait)
	return "forced"
}

func signalProcess(pid int, sig syscall.Signal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(sig)
}

// waitForExit polls process liveness until it dies or the deadline passes.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !processAlive(pid)
		case <-time.After(livenessPollInterval):
		}
	}
}

// cleanupTerminalState removes the pidfile, monitor socket, and overlay
// once a VM has reached a terminal shutdown state: every run's overlay is
// ephemeral, so there is nothing to preserve across an `up`/`down` cycle.
func (l *Launcher) cleanupTerminalState(vm project.VM, pidPath, sockPath string) {
	os.Remove(pidPath)
	os.Remove(sockPath)
	if vm.Overlay != "" {
		os.Remove(vm.Overlay)
	}
}
