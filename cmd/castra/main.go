// SPDX-License-Identifier: LGPL-3.0-or-later

// Command castra launches reproducible QEMU virtual machines from a
// project description, drives a post-boot bootstrap pipeline over SSH,
// and reports a structured event stream as each workspace operation runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/castra-dev/castra/internal/bootstrap"
	"github.com/castra-dev/castra/internal/castlog"
	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
	"github.com/castra-dev/castra/internal/workspace"
)

// semver and vcsRevision are overridden at build time via
// -ldflags "-X main.semver=... -X main.vcsRevision=...". Left at their
// zero values, --version reports a bare "dev".
var (
	semver      = "dev"
	vcsRevision = ""
)

// Exit codes. Fixed by the command surface: usage errors are always 64;
// the rest vary by command bucket.
const (
	exitOK             = 0
	exitUsage          = 64
	exitPreflight      = 65
	exitConfigMissing  = 66
	exitRuntime        = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return exitOK
	case "-v", "--version", "version":
		fmt.Println(versionString())
		return exitOK
	}

	switch args[0] {
	case "init":
		return cmdInit(args[1:])
	case "up":
		return cmdUp(args[1:])
	case "down":
		return cmdDown(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "ports":
		return cmdPorts(args[1:])
	case "logs":
		return cmdLogs(args[1:])
	case "clean":
		return cmdClean(args[1:])
	default:
		pterm.Error.Printfln("unknown command: %s", args[0])
		printUsage()
		return exitUsage
	}
}

func versionString() string {
	if vcsRevision == "" {
		return semver
	}
	sha := vcsRevision
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("%s (%s)", semver, sha)
}

func printUsage() {
	pterm.DefaultBigText.WithLetters(pterm.NewLettersFromStringWithStyle("CASTRA",
		pterm.NewStyle(pterm.FgLightCyan))).Render()
	pterm.DefaultCenter.Println(pterm.Gray("Reproducible QEMU dev VMs, driven from one project file"))
	pterm.Println()

	pterm.DefaultSection.Println("Commands")
	pterm.DefaultTable.WithHasHeader().WithBoxed().WithData([][]string{
		{"Command", "Purpose"},
		{"init", "Scaffold a project description"},
		{"up", "Launch a workspace"},
		{"down", "Shut down a workspace"},
		{"status", "Report workspace state"},
		{"ports", "Show declared port forwards"},
		{"logs", "Tail qemu/serial/bootstrap logs"},
		{"clean", "Reclaim workspace state"},
	}).Render()
}

// --- shared project-loading flags ---

type projectFlags struct {
	config        string
	stateRoot     string
	skipDiscovery bool
}

func (p *projectFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.config, "config", "", "explicit path to the project config file")
	fs.StringVar(&p.stateRoot, "state-root", "", "explicit workspace state root")
	fs.BoolVar(&p.skipDiscovery, "skip-discovery", false, "never scan upward for a config file")
}

// load enforces the discovery-skip contract's CLI-level pairing rule before
// ever calling project.Load: --skip-discovery requires --config or
// --state-root, and that failure is a usage error, not a config error.
func (p *projectFlags) load() (*project.Project, []project.Diagnostic, int, error) {
	if p.skipDiscovery && p.config == "" && p.stateRoot == "" {
		return nil, nil, exitUsage, errs.New(errs.ConfigRequired,
			"--skip-discovery requires --config or --state-root")
	}

	proj, diags, err := project.Load(project.LoadOptions{
		Discovery: project.DiscoveryPolicy{
			SkipDiscovery:     p.skipDiscovery,
			ExplicitPath:      p.config,
			ExplicitStateRoot: p.stateRoot,
		},
	})
	if err != nil {
		return nil, diags, exitCodeFor(err), err
	}
	return proj, diags, exitOK, nil
}

// exitCodeFor maps a typed error's Kind to the command's exit code bucket.
func exitCodeFor(err error) int {
	e, ok := err.(*errs.Error)
	if !ok {
		return exitRuntime
	}
	switch e.Kind {
	case errs.ConfigRequired, errs.ConfigInvalid:
		return exitConfigMissing
	case errs.PreflightFailed:
		return exitPreflight
	default:
		return exitRuntime
	}
}

func printDiagnostics(diags []project.Diagnostic) {
	for _, d := range diags {
		line := d.Message
		if d.Path != "" {
			line = fmt.Sprintf("%s (%s)", line, d.Path)
		}
		switch d.Severity {
		case "error":
			pterm.Error.Println(line)
		case "warn":
			pterm.Warning.Println(line)
		default:
			pterm.Info.Println(line)
		}
	}
}

func fail(err error) int {
	pterm.Error.Println(err.Error())
	return exitCodeFor(err)
}

// --- init ---

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	output := fs.String("output", "castra.yaml", "path to write the scaffolded project description")
	force := fs.Bool("force", false, "overwrite an existing file at --output")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := os.Stat(*output); err == nil && !*force {
		pterm.Error.Printfln("%s already exists; pass --force to overwrite", *output)
		return exitUsage
	}

	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil && filepath.Dir(*output) != "." {
		pterm.Error.Println(err.Error())
		return exitRuntime
	}
	if err := os.WriteFile(*output, []byte(scaffoldProject), 0o644); err != nil {
		pterm.Error.Println(err.Error())
		return exitRuntime
	}

	pterm.Success.Printfln("wrote %s", *output)
	return exitOK
}

const scaffoldProject = `name: devbox
version: 0.1.0

lifecycle:
  cooperative_wait: 20s
  term_wait: 10s
  kill_wait: 5s

bootstrap:
  default_mode: auto

vms:
  - name: devbox
    cpu: 2
    memory_mb: 2048
    overlay: .castra/overlays/devbox.qcow2
    ports:
      - host: 2222
        guest: 22
        protocol: tcp
    ssh:
      user: root
      identity: ~/.ssh/id_ed25519
    bootstrap:
      script: ./bootstrap/devbox.sh
      env_keys: []
      # printed by the script when it finds nothing left to do
      sentinel: castra-bootstrap-noop
`

// --- up ---

func cmdUp(args []string) int {
	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	pf := projectFlags{}
	pf.register(fs)
	force := fs.Bool("force", false, "relaunch even if the workspace already has live VMs; also downgrades capacity/disk preflight failures to warnings")
	bootstrapFlag := fs.String("bootstrap", "", "override bootstrap mode: <mode> or vm1=mode1,vm2=mode2")
	jsonOut := fs.Bool("json", false, "emit the newline-delimited event stream and final outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	proj, diags, code, err := pf.load()
	if err != nil {
		pterm.Error.Println(err.Error())
		return code
	}
	printDiagnostics(diags)

	log := castlog.New("info")
	reporter := buildReporter(*jsonOut)
	bus := events.NewBus(reporter, castlog.WithComponent(log, "events"))
	defer bus.Flush()

	orch := workspace.New(proj, bus, *force)

	ctx, cancel := signalContext()
	defer cancel()

	outcome, err := orch.Up(ctx, workspace.UpOptions{
		Force:              *force,
		BootstrapOverrides: parseBootstrapOverrides(*bootstrapFlag),
	})
	if err != nil {
		return fail(err)
	}

	if werr := project.WriteWorkspaceMetadata(proj, strings.Join(os.Args, " ")); werr != nil {
		pterm.Warning.Printfln("failed to write workspace metadata: %v", werr)
	}

	renderUpOutcome(outcome, *jsonOut)
	code = exitOK
	for _, vm := range outcome.VMs {
		if vm.Error != "" {
			code = exitRuntime
		}
	}
	return code
}

func renderUpOutcome(o *workspace.UpOutcome, jsonOut bool) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.Encode(o)
		return
	}
	rows := [][]string{{"VM", "PID", "Bootstrap", "Error"}}
	for _, vm := range o.VMs {
		rows = append(rows, []string{vm.VM, strconv.Itoa(vm.PID), orDash(vm.BootstrapStatus), orDash(vm.Error)})
	}
	pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render()
	printDiagnostics(o.Diagnostics)
}

// --- down ---

func cmdDown(args []string) int {
	fs := flag.NewFlagSet("down", flag.ContinueOnError)
	pf := projectFlags{}
	pf.register(fs)
	coopWait := fs.Int("cooperative-wait-secs", 0, "override the cooperative shutdown wait in seconds")
	termWait := fs.Int("term-wait-secs", 0, "override the SIGTERM wait in seconds")
	killWait := fs.Int("kill-wait-secs", 0, "override the SIGKILL wait in seconds")
	jsonOut := fs.Bool("json", false, "emit the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	proj, diags, code, err := pf.load()
	if err != nil {
		pterm.Error.Println(err.Error())
		return code
	}
	printDiagnostics(diags)

	log := castlog.New("info")
	reporter := buildReporter(*jsonOut)
	bus := events.NewBus(reporter, castlog.WithComponent(log, "events"))
	defer bus.Flush()

	orch := workspace.New(proj, bus, false)

	var lifecycle *project.LifecyclePolicy
	if *coopWait > 0 || *termWait > 0 || *killWait > 0 {
		l := proj.Lifecycle
		if *coopWait > 0 {
			l.CooperativeWait = time.Duration(*coopWait) * time.Second
		}
		if *termWait > 0 {
			l.TermWait = time.Duration(*termWait) * time.Second
		}
		if *killWait > 0 {
			l.KillWait = time.Duration(*killWait) * time.Second
		}
		lifecycle = &l
	}

	ctx, cancel := signalContext()
	defer cancel()

	outcome, err := orch.Down(ctx, workspace.DownOptions{Lifecycle: lifecycle})
	if err != nil {
		return fail(err)
	}

	renderDownOutcome(outcome, *jsonOut)
	return exitOK
}

func renderDownOutcome(o *workspace.DownOutcome, jsonOut bool) {
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(o)
		return
	}
	var forced []string
	rows := [][]string{{"VM", "Outcome", "Total MS"}}
	for _, vm := range o.VMs {
		rows = append(rows, []string{vm.VM, vm.Outcome, strconv.FormatInt(vm.TotalMS, 10)})
		if vm.Outcome == "forced" {
			forced = append(forced, vm.VM)
		}
	}
	pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render()
	if len(forced) > 0 {
		pterm.Warning.Printfln("forced shutdown for: %s", strings.Join(forced, ", "))
	}
}

// --- status ---

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	pf := projectFlags{}
	pf.register(fs)
	jsonOut := fs.Bool("json", false, "emit the outcome as JSON")
	all := fs.Bool("all", false, "aggregate across every discovered workspace, not just this one")
	wsID := fs.String("workspace", "", "restrict aggregated output to one workspace id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	proj, _, code, err := pf.load()
	if err != nil {
		pterm.Error.Println(err.Error())
		return code
	}

	bus := events.NewBus(events.NewInMemoryReporter(), nil)
	orch := workspace.New(proj, bus, false)

	outcome, err := orch.Status(workspace.StatusOptions{AllWorkspaces: *all, WorkspaceID: *wsID})
	if err != nil {
		return fail(err)
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(outcome)
		return exitOK
	}

	for _, ws := range outcome.Workspaces {
		pterm.DefaultSection.Printfln("%s (%s)", ws.ProjectName, ws.WorkspaceID)
		rows := [][]string{{"VM", "State", "PID"}}
		for _, vm := range ws.VMs {
			pid := ""
			if vm.PID != 0 {
				pid = strconv.Itoa(vm.PID)
			}
			rows = append(rows, []string{vm.VM, vm.State, pid})
		}
		pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render()
	}
	return exitOK
}

// --- ports ---

func cmdPorts(args []string) int {
	fs := flag.NewFlagSet("ports", flag.ContinueOnError)
	pf := projectFlags{}
	pf.register(fs)
	active := fs.Bool("active", false, "classify each mapping Active/Inactive by VM liveness")
	jsonOut := fs.Bool("json", false, "emit the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	proj, _, code, err := pf.load()
	if err != nil {
		pterm.Error.Println(err.Error())
		return code
	}

	bus := events.NewBus(events.NewInMemoryReporter(), nil)
	orch := workspace.New(proj, bus, false)

	outcome, err := orch.Ports(workspace.PortsOptions{Active: *active})
	if err != nil {
		return fail(err)
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(outcome)
		return exitOK
	}

	// Column order and header text are invariant across modes; only the
	// STATUS cell content changes depending on whether --active ran.
	rows := [][]string{{"VM", "HOST", "GUEST", "PROTO", "STATUS"}}
	for _, m := range outcome.Mappings {
		rows = append(rows, []string{m.VM, strconv.Itoa(m.Host), strconv.Itoa(m.Guest), m.Protocol, orDash(m.Status)})
	}
	pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render()
	return exitOK
}

// --- logs ---

func cmdLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	pf := projectFlags{}
	pf.register(fs)
	tail := fs.Int("tail", 0, "number of trailing lines per source")
	follow := fs.Bool("follow", false, "keep streaming new lines until interrupted")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	proj, _, code, err := pf.load()
	if err != nil {
		pterm.Error.Println(err.Error())
		return code
	}

	bus := events.NewBus(events.NewInMemoryReporter(), nil)
	orch := workspace.New(proj, bus, false)

	ctx, cancel := signalContext()
	defer cancel()

	err = orch.Logs(ctx, workspace.LogsOptions{VMs: fs.Args(), Tail: *tail, Follow: *follow}, func(l workspace.LogLine) {
		fmt.Printf("%s: %s\n", l.Source, l.Text)
	})
	if err != nil {
		return fail(err)
	}
	return exitOK
}

// --- clean ---

func cmdClean(args []string) int {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	pf := projectFlags{}
	pf.register(fs)
	global := fs.Bool("global", false, "sweep every workspace under the global projects root")
	workspaceOnly := fs.Bool("workspace", false, "sweep only the current workspace (the default)")
	force := fs.Bool("force", false, "reclaim even if a live VM process is detected")
	dryRun := fs.Bool("dry-run", false, "plan reclamation without deleting anything")
	includeOverlays := fs.Bool("include-overlays", false, "also remove overlay files (workspace scope only)")
	includeLogs := fs.Bool("include-logs", false, "also remove logs when --managed-only would otherwise keep them")
	managedOnly := fs.Bool("managed-only", false, "restrict image-cache reclamation to managed (downloaded) artifacts")
	jsonOut := fs.Bool("json", false, "emit the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *global && *workspaceOnly {
		pterm.Error.Println("--global and --workspace are mutually exclusive")
		return exitUsage
	}

	proj, diags, code, err := pf.load()
	if err != nil {
		pterm.Error.Println(err.Error())
		return code
	}
	printDiagnostics(diags)

	bus := events.NewBus(events.NewInMemoryReporter(), nil)
	orch := workspace.New(proj, bus, false)

	scope := workspace.ScopeWorkspace
	if *global {
		scope = workspace.ScopeGlobal
	}

	outcome, err := orch.Clean(workspace.CleanOptions{
		Scope:           scope,
		Force:           *force,
		IncludeOverlays: *includeOverlays,
		IncludeLogs:     *includeLogs,
		ManagedOnly:     *managedOnly,
		DryRun:          *dryRun,
	})

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(outcome)
	} else {
		rows := [][]string{{"Path", "Kind", "Bytes", "Dry Run"}}
		for _, item := range outcome.Items {
			rows = append(rows, []string{item.Path, item.Kind, strconv.FormatInt(item.Bytes, 10), strconv.FormatBool(item.DryRun)})
		}
		pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render()
		pterm.Info.Printfln("reclaimed %d bytes", outcome.ReclaimedBytes)
		printDiagnostics(outcome.Diagnostics)
		if len(outcome.Refused) > 0 {
			pterm.Warning.Printfln("refused, live process(es) for: %s (run `castra down` or pass --force)",
				strings.Join(outcome.Refused, ", "))
		}
	}

	if err != nil {
		return exitCodeFor(err)
	}
	return exitOK
}

// --- shared helpers ---

func buildReporter(jsonOut bool) events.Reporter {
	if jsonOut {
		return events.NewMultiReporter(events.NewStreamingReporter(os.Stdout))
	}
	return events.NewMultiReporter(events.NewBarReporter(os.Stderr))
}

// parseBootstrapOverrides parses `--bootstrap <mode>` (applies to every VM)
// or `--bootstrap vm1=mode1,vm2=mode2` (per-VM) into bootstrap.Overrides.
func parseBootstrapOverrides(flagVal string) bootstrap.Overrides {
	if flagVal == "" {
		return bootstrap.Overrides{}
	}
	if !strings.Contains(flagVal, "=") {
		return bootstrap.Overrides{Global: flagVal}
	}
	perVM := map[string]string{}
	for _, pair := range strings.Split(flagVal, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			perVM[kv[0]] = kv[1]
		}
	}
	return bootstrap.Overrides{PerVM: perVM}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// signalContext returns a context canceled on SIGINT/SIGTERM, beginning the
// orchestrator's graceful shutdown: in-flight downloads leave their
// .partial file intact, in-flight launches are allowed to complete, and
// in-flight bootstrap workers are signaled to abort at their next step
// boundary.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
