// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// hivemux-attach connects the current terminal to a running pod as its
// primary client. The pod replays its backlog, then streams live
// output; keystrokes are forwarded to the pane shell. Press Ctrl-\ to
// detach, leaving the pod running.
//
// Usage:
//
//	hivemux-attach <pane-id> [flags]
//	hivemux-attach --socket /path/to/pane.sock
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hivemux/hivemux/attach"
	"github.com/hivemux/hivemux/lib/config"
	"github.com/hivemux/hivemux/lib/process"
	"github.com/hivemux/hivemux/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath string
		configPath string
		readOnly   bool
	)

	flagSet := pflag.NewFlagSet("hivemux-attach", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "pane socket path (overrides the pane-id argument)")
	flagSet.StringVar(&configPath, "config", "", "config file path (default: $"+config.EnvVar+")")
	flagSet.BoolVar(&readOnly, "readonly", false, "view the pane without forwarding input")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("hivemux-attach")
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

	args := flagSet.Args()
	if socketPath == "" {
		if len(args) == 0 {
			return fmt.Errorf("pane-id argument or --socket required\n\nUsage: hivemux-attach <pane-id> [flags]")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		socketPath = cfg.SocketPath(args[0])
		args = args[1:]
	}
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	session, err := attach.Connect(socketPath, readOnly)
	if err != nil {
		return err
	}
	defer session.Close()

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	// Tell the pane our dimensions now and on every window change.
	sendSize := func() {
		if columns, rows, err := term.GetSize(stdinFd); err == nil {
			_ = session.SendResize(uint16(columns), uint16(rows))
		}
	}
	sendSize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendSize()
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		term.Restore(stdinFd, oldState)
		session.Close()
		os.Exit(0)
	}()

	err = session.Run(os.Stdin, os.Stdout)
	term.Restore(stdinFd, oldState)
	if errors.Is(err, attach.ErrDetached) {
		fmt.Fprintln(os.Stderr, "\n[detached — pane keeps running]")
		return nil
	}
	if err == nil {
		fmt.Fprintln(os.Stderr, "\n[pane closed]")
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `hivemux-attach — attach this terminal to a running pane.

On attach, the pod replays everything the pane printed while nothing
was attached, then streams live output. Keystrokes go to the pane
shell unless --readonly is set.

Detach with Ctrl-\. The pane keeps running and buffering output.

Usage:
  hivemux-attach <pane-id> [flags]
  hivemux-attach --socket /path/to/pane.sock [flags]

Flags:
%s`, flagSet.FlagUsages())
}
