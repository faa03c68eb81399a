// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// hivemux-pod runs one terminal pane as a detachable background
// process. It spawns the pane's shell on a PTY, listens on a per-pane
// unix socket, and bridges the two until the shell exits: front-ends
// attach to the socket for live I/O, and output produced while nothing
// is attached is retained in a bounded backlog for replay.
//
// On successful startup the pod prints one JSON line on stdout:
//
//	{"type":"pod_ready","uuid":"<pane-id>","pid":<n>}
//
// so a supervising process can discover the pod's PID and know the
// socket is accepting connections.
//
// Usage:
//
//	hivemux-pod --pane <32-char-id> [flags]
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/hivemux/hivemux/lib/config"
	"github.com/hivemux/hivemux/lib/process"
	"github.com/hivemux/hivemux/lib/version"
	"github.com/hivemux/hivemux/pod"
)

// daemonizedEnv marks the re-executed child of --daemonize so it does
// not daemonize again.
const daemonizedEnv = "HIVEMUX_POD_DAEMONIZED"

// podReady is the startup line printed for supervisors.
type podReady struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
	PID  int    `json:"pid"`
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		paneID     string
		socketPath string
		configPath string
		shell      string
		workingDir string
		extraEnv   []string
		daemonize  bool
		debug      bool
		logFile    string
	)

	flagSet := pflag.NewFlagSet("hivemux-pod", pflag.ContinueOnError)
	flagSet.StringVar(&paneID, "pane", "", "pane identifier: 32 hex characters (a UUID without dashes)")
	flagSet.StringVar(&socketPath, "socket", "", "pane socket path (default: <runtime_dir>/<pane>.sock)")
	flagSet.StringVar(&configPath, "config", "", "config file path (default: $"+config.EnvVar+")")
	flagSet.StringVar(&shell, "shell", "", "shell to run in the pane (default: config shell, then $SHELL)")
	flagSet.StringVar(&workingDir, "cwd", "", "working directory for the pane shell")
	flagSet.StringArrayVar(&extraEnv, "env", nil, "extra KEY=VALUE environment for the pane shell (repeatable)")
	flagSet.BoolVar(&daemonize, "daemonize", false, "detach from the launching terminal and log to a file")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.StringVar(&logFile, "log-file", "", "write logs to this file (default when daemonized: <log_dir>/<pane>.log)")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("hivemux-pod")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if err := validatePaneID(paneID); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if socketPath == "" {
		socketPath = cfg.SocketPath(paneID)
	}
	if logFile == "" && daemonize {
		logFile = cfg.LogDir + "/" + paneID + ".log"
	}

	if daemonize && os.Getenv(daemonizedEnv) == "" {
		return spawnDetached(paneID)
	}

	logDest := io.Writer(os.Stderr)
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer file.Close()
		logDest = file
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logDest, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	shellArgv := cfg.Shell
	if shell != "" {
		shellArgv = []string{shell}
	}
	paneEnv := append(cfg.ExtraEnv(), extraEnv...)

	terminal, err := pod.SpawnPTY(shellArgv, workingDir, paneEnv)
	if err != nil {
		return err
	}

	listener, err := pod.ListenSocket(socketPath)
	if err != nil {
		terminal.Close()
		return err
	}

	session := pod.NewSession(paneID, terminal, listener, logger)
	defer session.Close()

	// The socket is listening and the shell is running: announce
	// readiness before entering the event loop.
	ready, err := json.Marshal(podReady{Type: "pod_ready", UUID: paneID, PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("encode pod_ready: %w", err)
	}
	fmt.Println(string(ready))

	if err := session.Run(); err != nil {
		return err
	}
	if terminal.Exited() {
		logger.Info("pod exiting", "shell_exit_code", terminal.ExitCode())
	} else {
		logger.Info("pod exiting")
	}
	return nil
}

// validatePaneID enforces the pane identifier contract: exactly 32
// characters forming a valid dashless UUID.
func validatePaneID(paneID string) error {
	if paneID == "" {
		return fmt.Errorf("--pane is required (generate one with: uuidgen | tr -d -)")
	}
	if len(paneID) != 32 {
		return fmt.Errorf("pane identifier must be exactly 32 characters, got %d", len(paneID))
	}
	if _, err := uuid.Parse(paneID); err != nil {
		return fmt.Errorf("pane identifier is not a valid UUID: %w", err)
	}
	return nil
}

// spawnDetached re-executes this binary in a new session with the
// launching terminal cut loose, relays the child's pod_ready line to
// our own stdout for the supervisor, and exits.
func spawnDetached(paneID string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe child stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached pod: %w", err)
	}
	// Do not reap: the pod must outlive us.
	defer cmd.Process.Release()

	// Wait for the child's readiness line so the exit code of
	// --daemonize means "pod is up".
	line := make([]byte, 0, 128)
	buf := make([]byte, 1)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			return fmt.Errorf("pod %s exited before becoming ready", paneID)
		}
	}
	fmt.Println(string(line))
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `hivemux-pod — detachable backend process for one terminal pane.

The pod owns the pane's PTY and unix socket. Front-ends attach with
hivemux-attach; input can be injected without attaching via
hivemux-send. The pod survives front-end disconnects, buffering up to
4 MiB of output for replay on the next attach, and exits when the pane
shell exits.

Usage:
  hivemux-pod --pane <32-char-id> [flags]

Flags:
%s`, flagSet.FlagUsages())
}
