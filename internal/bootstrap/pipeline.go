// SPDX-License-Identifier: LGPL-3.0-or-later

package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
)

// ReadyTimeout bounds the wait_ready step; a guest that never answers SSH
// within this window fails the whole run rather than hanging indefinitely.
const ReadyTimeout = 2 * time.Minute

// Pipeline executes the resolved bootstrap plan for one VM: wait_ready,
// connect, transfer, apply, and (for non-always modes with verify_exit or a
// sentinel configured) verify, narrating
// each step on the bus and leaving a durable RunLog behind regardless of
// whether a reporter was attached.
type Pipeline struct {
	StateRoot string
	Bus       *events.Bus
	Connector Connector
	Prober    Prober
}

func NewPipeline(stateRoot string, bus *events.Bus) *Pipeline {
	return &Pipeline{StateRoot: stateRoot, Bus: bus, Connector: sshConnector{}, Prober: sshProber{}}
}

// Result is what Run hands back: the outcome category and, on success, the
// rendered apply output (useful for `castra logs` and CLI diagnostics).
type Result struct {
	Outcome string // "success" | "noop" | "skipped" | "failed"
	Detail  string
	LogPath string
}

// Run resolves a plan for vm and, unless the mode is skip, drives it
// through the step sequence. A plan whose mode is skip never touches the
// network: it is narrated and returned immediately.
func (p *Pipeline) Run(ctx context.Context, vm project.VM, proj *project.Project, overrides Overrides) (*Result, error) {
	plan := Resolve(vm, proj, overrides)
	start := time.Now()

	p.Bus.Publish(events.Event{
		Kind: events.KindBootstrapPlanned, VM: vm.Name,
		Mode: string(plan.Mode), Action: plan.Action,
		SSHTarget: plan.SSHTarget(), EnvKeys: plan.EnvKeys, Warnings: plan.Warnings,
	})

	if plan.Action == "skipped" {
		return &Result{Outcome: "skipped", Detail: plan.Reason}, nil
	}

	artifactHash := fileSHA256(plan.Script)
	p.Bus.Publish(events.Event{
		Kind: events.KindBootstrapStarted, VM: vm.Name,
		ArtifactHash: artifactHash, Trigger: string(plan.Mode),
	})

	run := RunLog{
		VM:   vm.Name,
		Mode: string(plan.Mode),
		Plan: PlanRecord{
			SSH:         plan.SSHTarget(),
			EnvKeys:     plan.EnvKeys,
			ScriptPath:  plan.Script,
			PayloadPath: plan.Payload,
			RemoteDir:   plan.RemoteDir,
		},
		ArtifactHash: artifactHash,
		StartedAt:    start,
	}

	result, runErr := p.execute(ctx, plan, &run)
	run.DurationMS = time.Since(start).Milliseconds()
	run.Status = result.Outcome
	if runErr != nil {
		run.Error = runErr.Error()
	}

	if logPath, werr := run.Write(p.StateRoot, start); werr == nil {
		result.LogPath = logPath
	}

	if runErr != nil {
		p.Bus.Publish(events.Event{
			Kind: events.KindBootstrapFailed, VM: vm.Name,
			Error: runErr.Error(), DurationMS: run.DurationMS,
		})
		return result, runErr
	}

	p.Bus.Publish(events.Event{
		Kind: events.KindBootstrapCompleted, VM: vm.Name,
		Status: result.Outcome, DurationMS: run.DurationMS,
	})
	return result, nil
}

// fileSHA256 hashes the local bootstrap artifact so runs can be correlated
// with the exact script content that executed. An unreadable script yields
// an empty hash; the transfer step will surface the real error.
func fileSHA256(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pipeline) execute(ctx context.Context, plan Plan, run *RunLog) (*Result, error) {
	if err := p.step(run, "wait_ready", func() (string, error) {
		return "", p.Prober.WaitReady(ctx, plan.SSHHost, plan.SSHPort, ReadyTimeout)
	}); err != nil {
		return &Result{Outcome: "failed"}, err
	}

	var session Session
	if err := p.step(run, "connect", func() (string, error) {
		s, err := p.Connector.Connect(ctx, Target{
			Host: plan.SSHHost, Port: plan.SSHPort, User: plan.SSHUser, Identity: plan.Identity,
		})
		if err != nil {
			return "", err
		}
		session = s
		return "", nil
	}); err != nil {
		return &Result{Outcome: "failed"}, err
	}
	defer session.Close()

	remoteDir := plan.RemoteDir
	if remoteDir == "" {
		remoteDir = "/tmp/castra-bootstrap"
	}

	var remoteScript string
	if err := p.step(run, "transfer", func() (string, error) {
		rs, err := session.Transfer(ctx, plan.Script, plan.Payload, remoteDir)
		remoteScript = rs
		return rs, err
	}); err != nil {
		return &Result{Outcome: "failed"}, err
	}

	var applyOutput string
	var applyExit int
	if err := p.step(run, "apply", func() (string, error) {
		command := buildApplyCommand(remoteScript, plan.EnvKeys)
		exitCode, out, err := session.Run(ctx, command)
		applyOutput, applyExit = out, exitCode
		if err != nil {
			return out, err
		}
		if exitCode != 0 {
			return out, fmt.Errorf("bootstrap script exited %d", exitCode)
		}
		return out, nil
	}); err != nil {
		return &Result{Outcome: "failed", Detail: applyOutput}, err
	}

	if plan.Mode == project.BootstrapAlways {
		// always executes unconditionally and reports success without a
		// noop distinction, so the pipeline never runs the verify step.
		return &Result{Outcome: "success", Detail: applyOutput}, nil
	}

	// verify inspects the apply step's own captured exit code and output
	// rather than opening a second SSH round trip: the script signals "no
	// changes were needed" by printing the sentinel, and the host keeps no
	// idempotence stamp of its own.
	if plan.VerifyExit || plan.Sentinel != "" {
		noop := false
		if err := p.step(run, "verify", func() (string, error) {
			if plan.VerifyExit && applyExit != 0 {
				return "", fmt.Errorf("apply step exited %d", applyExit)
			}
			if plan.Sentinel != "" && strings.Contains(applyOutput, plan.Sentinel) {
				noop = true
				return "sentinel observed: no changes required", nil
			}
			return "", nil
		}); err != nil {
			return &Result{Outcome: "failed", Detail: applyOutput}, err
		}
		if noop {
			return &Result{Outcome: "noop", Detail: applyOutput}, nil
		}
	}

	return &Result{Outcome: "success", Detail: applyOutput}, nil
}

// buildApplyCommand forwards each named variable from the operator's local
// environment into the remote shell as a literal export. Only the variable
// *names* ever reach an event or RunLog (see Run's KindBootstrapPlanned
// publish); the resolved values are substituted directly into the command
// string handed to the SSH session and never logged.
func buildApplyCommand(remoteScript string, envKeys []string) string {
	if len(envKeys) == 0 {
		return remoteScript
	}
	var exports strings.Builder
	for _, k := range envKeys {
		fmt.Fprintf(&exports, "export %s=%s; ", k, shellQuote(os.Getenv(k)))
	}
	return exports.String() + remoteScript
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// step runs fn, narrating it as a bootstrap_step event and a StepRecord
// regardless of outcome.
func (p *Pipeline) step(run *RunLog, name string, fn func() (string, error)) error {
	start := time.Now()

	detail, err := fn()
	duration := time.Since(start).Milliseconds()

	status := "success"
	errText := ""
	if err != nil {
		status = "failed"
		errText = err.Error()
	}
	p.record(run, name, status, detail, duration, err)
	p.Bus.Publish(events.Event{
		Kind: events.KindBootstrapStep, VM: run.VM, Step: name, Status: status,
		DurationMS: duration, Detail: detail, Error: errText,
	})
	return err
}

func (p *Pipeline) record(run *RunLog, step, status, detail string, durationMS int64, err error) {
	rec := StepRecord{Step: step, Status: status, Detail: detail, DurationMS: durationMS}
	if err != nil {
		rec.Error = err.Error()
	}
	run.Steps = append(run.Steps, rec)
}
