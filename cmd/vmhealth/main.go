package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/goccy/go-json"

	"github.com/msageha/vmhealth/internal/config"
	"github.com/msageha/vmhealth/internal/daemon"
	"github.com/msageha/vmhealth/internal/inventory"
	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/setup"
	"github.com/msageha/vmhealth/internal/uds"
)

const version = "1.0.0"

// envDataDir overrides the upward search for .vmhealth/.
const envDataDir = "VMHEALTH_DIR"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "process":
		runMachineCommand("process", uds.CmdProcess, os.Args[2:])
	case "purge":
		runMachineCommand("purge", uds.CmdPurge, os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "snapshot":
		runSnapshot(os.Args[2:])
	case "machines":
		runMachines(os.Args[2:])
	case "version":
		fmt.Printf("vmhealth %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	const usage = "usage: vmhealth setup <dir> [--token <token>]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	dir := args[0]
	var token string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--token":
			token = flagValue(rest, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	base, err := setup.Run(dir, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", base)
}

func runDaemon(_ []string) {
	dataDir := requireDataDir()
	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vmhealth status [--json]\n", a)
			os.Exit(1)
		}
	}

	client := newClient()
	var ping map[string]any
	if err := client.Call(uds.CmdPing, nil, &ping); err != nil {
		fail("status", err)
	}
	var stats model.QueueStats
	if err := client.Call(uds.CmdStats, nil, &stats); err != nil {
		fail("status", err)
	}

	if jsonOutput {
		printJSON(map[string]any{"daemon": ping, "queue": stats})
		return
	}

	fmt.Printf("daemon: pid %v, %v agent(s) connected\n", ping["pid"], ping["agents_connected"])
	fmt.Printf("queue:  %d waiting, %d in flight\n\n", stats.TotalWaiting, stats.TotalInFlight)
	if len(stats.Machines) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tPENDING\tRETRY\tIN FLIGHT\tHEAVY")
	for id, s := range stats.Machines {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", id, s.Pending, s.RetryScheduled, s.InFlight, s.HeavyInFlight)
	}
	_ = w.Flush()
}

func runStop(_ []string) {
	if err := newClient().Call(uds.CmdShutdown, nil, nil); err != nil {
		fail("stop", err)
	}
	fmt.Println("shutdown requested")
}

func runEnqueue(args []string) {
	const usage = "usage: vmhealth enqueue <machine> <check_type> [--priority <high|medium|low>]"
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := uds.EnqueueParams{MachineID: args[0], CheckType: args[1]}
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--priority":
			params.Priority = flagValue(rest, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	var res model.EnqueueResult
	if err := newClient().Call(uds.CmdEnqueue, params, &res); err != nil {
		fail("enqueue", err)
	}
	printJSON(res)
}

func runScan(args []string) {
	const usage = "usage: vmhealth scan <machine> [--priority <high|medium|low>]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := uds.MachineParams{MachineID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--priority":
			params.Priority = flagValue(rest, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	var res uds.EnqueueAllResult
	if err := newClient().Call(uds.CmdEnqueueAll, params, &res); err != nil {
		fail("scan", err)
	}
	printJSON(res)
	if len(res.Errors) > 0 {
		os.Exit(1)
	}
}

// runMachineCommand sends a command whose only parameter is the machine id.
func runMachineCommand(name, command string, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: vmhealth %s <machine>\n", name)
		os.Exit(1)
	}
	var out json.RawMessage
	if err := newClient().Call(command, uds.MachineParams{MachineID: args[0]}, &out); err != nil {
		fail(name, err)
	}
	printJSON(out)
}

func runTasks(args []string) {
	const usage = "usage: vmhealth tasks <machine> [--status <status>]... [--limit <n>] [--json]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := uds.TasksParams{MachineID: args[0]}
	jsonOutput := false
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--status":
			params.Statuses = append(params.Statuses, flagValue(rest, &i, usage))
		case "--limit":
			v := flagValue(rest, &i, usage)
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --limit value: %s\n", v)
				os.Exit(1)
			}
			params.Limit = n
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	var tasks []*model.HealthCheckTask
	if err := newClient().Call(uds.CmdTasks, params, &tasks); err != nil {
		fail("tasks", err)
	}
	if jsonOutput {
		printJSON(tasks)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHECK\tPRIORITY\tSTATUS\tATTEMPTS\tSCHEDULED FOR\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.CheckType, t.Priority, t.Status, t.Attempts, t.MaxAttempts,
			t.ScheduledFor.Local().Format("2006-01-02 15:04:05"), t.Error)
	}
	_ = w.Flush()
}

func runSnapshot(args []string) {
	const usage = "usage: vmhealth snapshot <machine> [--date <YYYY-MM-DD>]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := uds.SnapshotParams{MachineID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--date":
			params.Date = flagValue(rest, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	var res uds.SnapshotResult
	if err := newClient().Call(uds.CmdSnapshot, params, &res); err != nil {
		fail("snapshot", err)
	}
	printJSON(res)
}

// runMachines edits machines.yaml directly; a running daemon picks the
// change up through its file watcher.
func runMachines(args []string) {
	const usage = "usage: vmhealth machines <list [--running]|set-status <machine> <running|stopped|paused>>"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	dataDir := requireDataDir()
	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	path := cfg.Inventory.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}
	inv, err := inventory.Open(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open inventory: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		runningOnly := len(args) > 1 && args[1] == "--running"
		machines, err := inv.ListMachines(ctx, runningOnly)
		if err != nil {
			fail("machines list", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSCAN INTERVAL")
		for _, m := range machines {
			interval := "default"
			if m.ScanIntervalMin > 0 {
				interval = m.ScanInterval().String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Status, interval)
		}
		_ = w.Flush()
	case "set-status":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(1)
		}
		if err := inv.SetStatus(ctx, args[1], model.MachineStatus(args[2])); err != nil {
			fail("machines set-status", err)
		}
		fmt.Printf("%s: %s\n", args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown machines subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func flagValue(args []string, i *int, usage string) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n%s\n", args[*i], usage)
		os.Exit(1)
	}
	*i++
	return args[*i]
}

// fail prints err and exits. A full queue exits with 2 so scripts can back
// off and retry.
func fail(what string, err error) {
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", what, detail.Code, detail.Message)
		if detail.Code == uds.ErrCodeQueueFull {
			os.Exit(2)
		}
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func newClient() *uds.Client {
	dataDir := requireDataDir()
	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return uds.NewClient(daemon.SocketPath(dataDir, cfg))
}

func requireDataDir() string {
	dir := findDataDir()
	if dir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'vmhealth setup <dir>' first or set %s.\n", setup.DirName, envDataDir)
		os.Exit(1)
	}
	return dir
}

func findDataDir() string {
	if dir := os.Getenv(envDataDir); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(dataDir string) (model.Config, error) {
	return config.Load(filepath.Join(dataDir, daemon.ConfigFileName))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vmhealth %s - VM health-check queue

Usage: vmhealth <command> [options]

Setup:
  setup <dir> [--token T]           Initialize .vmhealth/ in dir
  daemon                            Run the daemon process
  status [--json]                   Show daemon and queue status
  stop                              Ask the daemon to shut down

Queue:
  enqueue <machine> <check> [--priority P]   Queue one health check
  scan <machine> [--priority P]              Queue every enabled check
  process <machine>                          Process the machine's queue now
  tasks <machine> [--status S] [--limit N]   List tasks
  snapshot <machine> [--date YYYY-MM-DD]     Show a daily snapshot with recommendations
  purge <machine>                            Drop never-started tasks

Inventory:
  machines list [--running]
  machines set-status <machine> <running|stopped|paused>

  version                           Show version
  help                              Show this help

Check types: OVERALL_STATUS DISK_SPACE RESOURCE_OPTIMIZATION WINDOWS_UPDATES
             WINDOWS_DEFENDER APPLICATION_INVENTORY SYSTEM_INFO
             NETWORK_CONNECTIVITY PENDING_REBOOT
`, version)
}
