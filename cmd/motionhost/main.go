package main

import (
	"fmt"
	"os"
	"runtime/debug"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "job":
		os.Exit(runJobNoun(args))
	case "code":
		os.Exit(runCodeNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "monitor":
		os.Exit(runMonitor(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Println(versionString())
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func versionString() string {
	s := "motionhost version " + version
	if rev := readBuildSetting("vcs.revision"); rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		s += " (" + rev + ")"
	}
	return s
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`motionhost - Host-side code pipeline for a motion controller

Usage:
  motionhost <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and live monitoring
  config    Configuration, integrity and validation
  job       Job file selection, control and history
  code      Send codes to a running host

System Commands:
  system start      Start the host in the foreground
  system status     Show health of a running host
  system monitor    Live terminal dashboard

Config Commands:
  config lock       Authorize current state (update integrity hashes)
  config check      Validate syntax, machine layout and interceptors
  config show       Print the resolved configuration
  config get        Read one configuration value
  config set        Change one configuration value

Job Commands:
  job status        Show the selected job and its progress
  job select <file> Select a job file (--start, --simulate)
  job pause         Pause the running job
  job resume        Start or resume the selected job
  job cancel        Cancel the selected job
  job abort         Abort the selected job
  job position <n>  Move a paused reader to a file offset
  job history       List past runs

Code Commands:
  code send <text>  Run codes on a channel and print the reply

General:
  version           Show version information
  help              Show this help message

Use 'motionhost <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock", "hash":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigHashUpdate(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printJobActionHelp(action)
		return 0
	}

	switch action {
	case "status":
		return runJobStatus(actionArgs)
	case "select":
		return runJobSelect(actionArgs)
	case "pause":
		return runJobPause(actionArgs)
	case "resume", "cancel", "abort":
		return runJobAction(action, actionArgs)
	case "position":
		return runJobPosition(actionArgs)
	case "history":
		return runJobHistory(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runCodeNoun(args []string) int {
	if len(args) < 1 {
		printCodeNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCodeNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "send":
		if hasHelpFlag(actionArgs) {
			printCodeSendHelp()
			return 0
		}
		return runCodeSend(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown code action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: motionhost system <action>")
	fmt.Fprintln(w, "Actions: start, status, monitor")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: motionhost config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check, show, get, set")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: motionhost job <action> [flags]")
	fmt.Fprintln(w, "Actions: status, select, pause, resume, cancel, abort, position, history")
}

func printCodeNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: motionhost code <action> [flags]")
	fmt.Fprintln(w, "Actions: send")
}

func printSystemStartHelp() {
	fmt.Println("Usage: motionhost system start [--config PATH]")
	fmt.Println("Start the host in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: motionhost system status [--api URL] [--token TOKEN] [--json]")
	fmt.Println("Show health of a running host.")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: motionhost system monitor [--api URL] [--token TOKEN]")
	fmt.Println("Live dashboard of the job, channels and event stream.")
	fmt.Println("Keys: p pause, r resume, c cancel, q quit.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: motionhost config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: motionhost config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, machine layout, interceptors and integrity.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: motionhost config show [entity] [--config PATH] [--json]")
	fmt.Println("Show full resolved configuration or a filtered entity node.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: motionhost config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: motionhost config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printCodeSendHelp() {
	fmt.Println("Usage: motionhost code send <text> [--channel NAME] [--prioritized] [--api URL] [--token TOKEN] [--json]")
	fmt.Println("Run one or more codes on a channel (HTTP by default) and print the reply.")
}

func printJobActionHelp(action string) {
	switch action {
	case "status":
		fmt.Println("Usage: motionhost job status [--api URL] [--token TOKEN] [--json]")
		fmt.Println("Show the selected job file, progress and pause state.")
	case "select":
		fmt.Println("Usage: motionhost job select <file> [--start] [--simulate] [--api URL] [--token TOKEN]")
		fmt.Println("Select a job file from the gcodes directory.")
	case "pause":
		fmt.Println("Usage: motionhost job pause [--reason NAME] [--position N] [--api URL] [--token TOKEN]")
		fmt.Println("Pause the running job, optionally at a file offset.")
	case "resume", "cancel", "abort":
		fmt.Printf("Usage: motionhost job %s [--api URL] [--token TOKEN]\n", action)
	case "position":
		fmt.Println("Usage: motionhost job position <offset> [--motion-system N] [--api URL] [--token TOKEN]")
		fmt.Println("Move a paused or not yet started reader to a file offset.")
	case "history":
		fmt.Println("Usage: motionhost job history [--file NAME] [--outcome OUTCOME] [--limit N] [--json]")
		fmt.Println("List past runs, newest first.")
	default:
		printJobNounHelp(os.Stdout)
	}
}
