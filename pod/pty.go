// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package pod

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// defaultColumns and defaultRows size a pane before the first resize
// frame arrives from a client.
const (
	defaultColumns uint16 = 80
	defaultRows    uint16 = 24
)

// PTY owns a pseudo-terminal master and the child process running on
// its slave side. The master descriptor is non-blocking: reads from
// the event loop return unix.EAGAIN rather than blocking when the
// child has produced no output.
//
// PTY is not safe for concurrent use; the session loop is its only
// owner. Close is idempotent.
type PTY struct {
	master *os.File
	// fd duplicates master.Fd() so the hot path avoids the method
	// call. All I/O goes through raw unix syscalls on this fd; the
	// *os.File exists for Setsize and Close.
	fd      int
	process *os.Process

	closed bool
	// exited latches once the child has been reaped. exitCode is only
	// meaningful afterwards.
	exited   bool
	exitCode int
}

// SpawnPTY starts shell (argv form) on a fresh pseudo-terminal. The
// child gets the parent environment plus TERM and extraEnv, runs in
// workingDir when non-empty, and becomes the session leader with the
// PTY slave as its controlling terminal.
func SpawnPTY(shell []string, workingDir string, extraEnv []string) (*PTY, error) {
	if len(shell) == 0 {
		return nil, fmt.Errorf("spawn pty: empty shell command")
	}

	cmd := exec.Command(shell[0], shell[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, extraEnv...)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultColumns})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", shell[0], err)
	}

	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("set pty master non-blocking: %w", err)
	}

	return &PTY{master: master, fd: fd, process: cmd.Process}, nil
}

// Fd returns the master descriptor for readiness polling.
func (p *PTY) Fd() int { return p.fd }

// Pid returns the child process ID.
func (p *PTY) Pid() int { return p.process.Pid }

// Read reads available output from the master. Returns unix.EAGAIN
// when the child has produced nothing; returns 0, nil on EOF (all
// slave descriptors closed). Linux reports a closed slave side as EIO
// on the master, which is equivalent to EOF here.
func (p *PTY) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(p.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EIO {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Write delivers input bytes to the child, retrying short and
// would-block writes until the whole buffer is consumed. The kernel
// PTY input buffer is small, so a paste burst can hit EAGAIN on a
// non-blocking master; waiting for writability is correct because the
// child drains the buffer as it reads.
func (p *PTY) Write(data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(p.fd, data)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if err := waitWritable(p.fd); err != nil {
				return fmt.Errorf("wait for pty writable: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write to pty: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Resize sets the terminal window size, delivering SIGWINCH to the
// child's foreground process group.
func (p *PTY) Resize(columns, rows uint16) error {
	if err := pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: columns}); err != nil {
		return fmt.Errorf("resize pty to %dx%d: %w", columns, rows, err)
	}
	return nil
}

// Exited reports whether the child process has terminated, reaping it
// on the first positive answer. Non-blocking; called once per event
// loop iteration.
func (p *PTY) Exited() bool {
	if p.exited {
		return true
	}
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(p.process.Pid, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			// Already reaped (e.g. by a SIGCHLD handler in a host
			// process). Treat as exited with unknown status.
			p.exited = true
			p.exitCode = -1
			return true
		}
		if err != nil || pid == 0 {
			return false
		}
		p.exited = true
		p.exitCode = status.ExitStatus()
		return true
	}
}

// ExitCode returns the child's exit status. Only meaningful after
// Exited has returned true; -1 when the status is unknown.
func (p *PTY) ExitCode() int { return p.exitCode }

// Close releases the master descriptor. The child, if still running,
// sees its controlling terminal hang up. Safe to call more than once.
func (p *PTY) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.master.Close()
}

// waitWritable blocks until fd accepts writes again.
func waitWritable(fd int) error {
	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
