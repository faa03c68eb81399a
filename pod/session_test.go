// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package pod

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hivemux/hivemux/wire"
	"golang.org/x/sys/unix"
)

// fakeTerminal is a pipe-backed Terminal. The test writes "child
// output" into the pipe's write end; the session polls and reads the
// read end exactly as it would a PTY master. Input writes and resizes
// are recorded for assertions.
type fakeTerminal struct {
	readFile  *os.File
	writeFile *os.File
	fd        int

	mu      sync.Mutex
	input   bytes.Buffer
	resizes [][2]uint16
	exited  bool
	closed  bool
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	readFile, writeFile, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	fd := int(readFile.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("set pipe non-blocking: %v", err)
	}
	return &fakeTerminal{readFile: readFile, writeFile: writeFile, fd: fd}
}

func (f *fakeTerminal) Fd() int { return f.fd }

func (f *fakeTerminal) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (f *fakeTerminal) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input.Write(data)
	return nil
}

func (f *fakeTerminal) Resize(columns, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{columns, rows})
	return nil
}

func (f *fakeTerminal) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *fakeTerminal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.readFile.Close()
}

// emitOutput simulates child-process output.
func (f *fakeTerminal) emitOutput(t *testing.T, data []byte) {
	t.Helper()
	if _, err := f.writeFile.Write(data); err != nil {
		t.Fatalf("write fake output: %v", err)
	}
}

// endOutput closes the write side, which the session observes as a
// PTY hangup.
func (f *fakeTerminal) endOutput() {
	f.writeFile.Close()
}

func (f *fakeTerminal) recordedInput() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.input.Bytes()...)
}

func (f *fakeTerminal) recordedResizes() [][2]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint16(nil), f.resizes...)
}

// startSession runs a session against a fake terminal and a real unix
// socket in a temp directory. The returned channel yields Run's result.
func startSession(t *testing.T, backlogCapacity int) (*fakeTerminal, string, chan error) {
	t.Helper()
	terminal := newFakeTerminal(t)
	socketPath := filepath.Join(t.TempDir(), "pane.sock")
	listener, err := ListenSocket(socketPath)
	if err != nil {
		t.Fatalf("ListenSocket: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := newSession("74657374000000000000000000000000", terminal, listener, backlogCapacity, logger)

	done := make(chan error, 1)
	go func() {
		done <- session.Run()
	}()
	t.Cleanup(func() {
		terminal.endOutput()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		session.Close()
	})
	return terminal, socketPath, done
}

func dialPane(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial %s: %v", socketPath, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return frame
}

// collectReplay reads frames until backlog_end, returning the
// concatenated replayed output.
func collectReplay(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var replay []byte
	for {
		frame := readFrame(t, conn)
		switch frame.Type {
		case wire.FrameTypeOutput:
			replay = append(replay, frame.Payload...)
		case wire.FrameTypeBacklogEnd:
			return replay
		default:
			t.Fatalf("unexpected frame type %#x during replay", frame.Type)
		}
	}
}

// settle gives the single-threaded loop time to consume pending
// descriptor events before the test observes the result.
func settle() { time.Sleep(300 * time.Millisecond) }

func TestSessionBacklogReplayOnAttach(t *testing.T) {
	t.Parallel()
	terminal, socketPath, _ := startSession(t, BacklogCapacity)

	terminal.emitOutput(t, []byte("detached output"))
	settle()

	conn := dialPane(t, socketPath)
	replay := collectReplay(t, conn)
	if !bytes.Equal(replay, []byte("detached output")) {
		t.Errorf("replay: got %q, want %q", replay, "detached output")
	}

	// After replay the backlog is empty: live output follows
	// immediately, and a reconnect replays only post-attach bytes.
	terminal.emitOutput(t, []byte("live"))
	frame := readFrame(t, conn)
	if frame.Type != wire.FrameTypeOutput || !bytes.Equal(frame.Payload, []byte("live")) {
		t.Errorf("live frame: type %#x payload %q", frame.Type, frame.Payload)
	}
}

func TestSessionLiveInputAndResize(t *testing.T) {
	t.Parallel()
	terminal, socketPath, _ := startSession(t, BacklogCapacity)

	conn := dialPane(t, socketPath)
	if replay := collectReplay(t, conn); len(replay) != 0 {
		t.Fatalf("unexpected replay content %q", replay)
	}

	if err := wire.WriteFrame(conn, wire.FrameTypeInput, []byte("ls -l\n")); err != nil {
		t.Fatalf("WriteFrame input: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.FrameTypeResize, wire.ResizePayload(80, 24)); err != nil {
		t.Fatalf("WriteFrame resize: %v", err)
	}
	settle()

	if got := terminal.recordedInput(); !bytes.Equal(got, []byte("ls -l\n")) {
		t.Errorf("pty input: got %q, want %q", got, "ls -l\n")
	}
	resizes := terminal.recordedResizes()
	if len(resizes) != 1 || resizes[0] != [2]uint16{80, 24} {
		t.Errorf("resizes: got %v, want [[80 24]]", resizes)
	}
}

func TestSessionSideChannelInput(t *testing.T) {
	t.Parallel()
	terminal, socketPath, _ := startSession(t, BacklogCapacity)

	primary := dialPane(t, socketPath)
	collectReplay(t, primary)

	// A second connection while a primary exists is ephemeral: its
	// input frame reaches the PTY and the pod closes it.
	side := dialPane(t, socketPath)
	if err := wire.WriteFrame(side, wire.FrameTypeInput, []byte("echo hi\n")); err != nil {
		t.Fatalf("WriteFrame on side channel: %v", err)
	}
	side.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := side.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("side channel read: got %v, want io.EOF", err)
	}

	if got := terminal.recordedInput(); !bytes.Equal(got, []byte("echo hi\n")) {
		t.Errorf("pty input: got %q, want %q", got, "echo hi\n")
	}

	// The primary client is undisturbed.
	terminal.emitOutput(t, []byte("still live"))
	frame := readFrame(t, primary)
	if frame.Type != wire.FrameTypeOutput || !bytes.Equal(frame.Payload, []byte("still live")) {
		t.Errorf("primary after side channel: type %#x payload %q", frame.Type, frame.Payload)
	}
}

func TestSessionBackpressurePausesWithoutLoss(t *testing.T) {
	t.Parallel()
	const capacity = 64
	terminal, socketPath, _ := startSession(t, capacity)

	// 100 bytes against a 64-byte backlog: the session buffers the
	// first 64, pauses, and leaves the rest in the kernel pipe.
	payload := bytes.Repeat([]byte("0123456789"), 10)
	terminal.emitOutput(t, payload)
	settle()

	conn := dialPane(t, socketPath)
	received := collectReplay(t, conn)
	if !bytes.Equal(received, payload[:capacity]) {
		t.Fatalf("replay: got %q, want first %d bytes of input", received, capacity)
	}

	// Attaching cleared the pause; the remaining bytes arrive live, in
	// order, with nothing dropped.
	for len(received) < len(payload) {
		frame := readFrame(t, conn)
		if frame.Type != wire.FrameTypeOutput {
			t.Fatalf("unexpected frame type %#x", frame.Type)
		}
		received = append(received, frame.Payload...)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("stream: got %q, want %q", received, payload)
	}
}

func TestSessionClearSignalEmptiesBacklog(t *testing.T) {
	t.Parallel()
	for _, test := range []struct {
		name   string
		signal []byte
	}{
		{"form feed", []byte{0x0C}},
		{"erase scrollback", []byte("\x1b[3J")},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			terminal, socketPath, _ := startSession(t, BacklogCapacity)

			terminal.emitOutput(t, []byte("stale history"))
			settle()
			clearing := append(append([]byte(nil), test.signal...), []byte("fresh")...)
			terminal.emitOutput(t, clearing)
			settle()

			conn := dialPane(t, socketPath)
			replay := collectReplay(t, conn)
			if !bytes.Equal(replay, clearing) {
				t.Errorf("replay: got %q, want %q", replay, clearing)
			}
		})
	}
}

func TestSessionClientDisconnectKeepsSessionRunning(t *testing.T) {
	t.Parallel()
	terminal, socketPath, done := startSession(t, BacklogCapacity)

	first := dialPane(t, socketPath)
	collectReplay(t, first)
	first.Close()
	settle()

	select {
	case err := <-done:
		t.Fatalf("session ended on client disconnect: %v", err)
	default:
	}

	// Output produced while detached is retained for the next attach.
	terminal.emitOutput(t, []byte("while detached"))
	settle()

	second := dialPane(t, socketPath)
	replay := collectReplay(t, second)
	if !bytes.Equal(replay, []byte("while detached")) {
		t.Errorf("replay after reconnect: got %q, want %q", replay, "while detached")
	}
}

func TestSessionEndsOnTerminalHangup(t *testing.T) {
	t.Parallel()
	terminal, _, done := startSession(t, BacklogCapacity)

	terminal.endOutput()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after terminal hangup")
	}
}

func TestSessionEndsOnChildExit(t *testing.T) {
	t.Parallel()
	terminal, _, done := startSession(t, BacklogCapacity)

	terminal.mu.Lock()
	terminal.exited = true
	terminal.mu.Unlock()

	// The exit check runs at the top of each iteration; the bounded
	// poll timeout guarantees an iteration even with no I/O.
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after child exit")
	}
}
