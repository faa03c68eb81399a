// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// hivemux-send injects input into a pane without attaching to it. It
// opens a short-lived connection to the pod, writes one input frame,
// and disconnects. When a front-end is attached the pod treats this
// connection as a side channel and the attached view is undisturbed.
//
// Usage:
//
//	hivemux-send <pane-id> <text>...
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/hivemux/hivemux/lib/config"
	"github.com/hivemux/hivemux/lib/process"
	"github.com/hivemux/hivemux/lib/version"
	"github.com/hivemux/hivemux/wire"
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
		noNewline  bool
	)

	flagSet := pflag.NewFlagSet("hivemux-send", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "pane socket path (overrides the pane-id argument)")
	flagSet.StringVar(&configPath, "config", "", "config file path (default: $"+config.EnvVar+")")
	flagSet.BoolVar(&noNewline, "no-newline", false, "do not append a newline to the sent text")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("hivemux-send")
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
			return fmt.Errorf("pane-id argument or --socket required\n\nUsage: hivemux-send <pane-id> <text>...")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		socketPath = cfg.SocketPath(args[0])
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("nothing to send")
	}

	text := strings.Join(args, " ")
	if !noNewline {
		text += "\n"
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial pane socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.FrameTypeInput, []byte(text)); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `hivemux-send — type into a pane without attaching.

Sends the given text (plus a trailing newline unless --no-newline) to
the pane shell as if it were typed. Works whether or not a front-end
is attached; an attached view sees the injected input's effects live.

Usage:
  hivemux-send <pane-id> <text>... [flags]

Flags:
%s`, flagSet.FlagUsages())
}
