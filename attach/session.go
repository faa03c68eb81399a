// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package attach implements the front-end side of a pod connection: it
// dials a pane socket, becomes the pod's primary client, replays the
// backlog to the local terminal, and relays terminal I/O until the pod
// ends or the user detaches.
//
// Detaching is a client-side concept. The pod never learns the
// difference between a detach and a dropped connection; either way it
// keeps running and accumulates output in its backlog for the next
// attach.
package attach

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hivemux/hivemux/wire"
)

// DetachByte is the keystroke that ends an attach session while
// leaving the pod running: Ctrl-\ (0x1C). Rare enough in interactive
// use to claim, and shells see SIGQUIT only from a real terminal, so
// claiming it steals nothing the pane needs.
const DetachByte = 0x1C

// ErrDetached is returned by Run when the user pressed the detach key.
// The pod keeps running.
var ErrDetached = errors.New("detached from pane")

// Session is an attached pod connection from the client's perspective.
type Session struct {
	conn     net.Conn
	readOnly bool

	// writeMu serializes frame writes: the input pump and the resize
	// signal handler both write to the connection.
	writeMu sync.Mutex
}

// Connect dials a pane socket and returns a Session ready for Run.
// The pod treats the first connection while detached as its primary
// client, so connecting to an already-attached pane yields a session
// whose frames are dispatched once and then dropped — use the send
// side channel for that instead.
func Connect(socketPath string, readOnly bool) (*Session, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial pane socket %s: %w", socketPath, err)
	}
	return New(conn, readOnly), nil
}

// New wraps an established pod connection. Used directly by tests;
// callers normally use Connect.
func New(conn net.Conn, readOnly bool) *Session {
	return &Session{conn: conn, readOnly: readOnly}
}

// Run relays between the pod and the local terminal: backlog replay
// and live output frames are written to output, input bytes are framed
// to the pod. Run blocks until the pod connection ends (returns nil),
// the user presses the detach key (returns ErrDetached), or a relay
// error occurs.
func (s *Session) Run(input io.Reader, output io.Writer) error {
	results := make(chan error, 2)

	go func() { results <- s.pumpOutput(output) }()
	go func() { results <- s.pumpInput(input) }()

	// First finisher decides the outcome. Closing the connection
	// unblocks the output pump; the input pump may stay blocked in a
	// stdin read until the process exits, which is fine — it only
	// holds a buffer.
	err := <-results
	s.conn.Close()
	return err
}

// SendResize reports new terminal dimensions to the pod. Safe to call
// from a signal handler goroutine while Run is active.
func (s *Session) SendResize(columns, rows uint16) error {
	return s.writeFrame(wire.FrameTypeResize, wire.ResizePayload(columns, rows))
}

// Close terminates the session. The pod sees a client disconnect and
// keeps running.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) writeFrame(frameType byte, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, frameType, payload)
}

// pumpOutput copies pod output frames to the local terminal. The
// backlog_end marker is invisible to the user: replayed and live
// output render identically.
func (s *Session) pumpOutput(output io.Writer) error {
	reader := bufio.NewReader(s.conn)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			// Pod gone or connection closed by our own shutdown: a
			// normal end of session either way.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read from pod: %w", err)
		}
		switch frame.Type {
		case wire.FrameTypeOutput:
			if _, err := output.Write(frame.Payload); err != nil {
				return fmt.Errorf("write to terminal: %w", err)
			}
		case wire.FrameTypeBacklogEnd:
			// Replay complete; live output follows on the same stream.
		}
	}
}

// pumpInput frames local keystrokes to the pod, watching for the
// detach key. In read-only mode input is consumed and discarded so the
// terminal stays responsive, but nothing reaches the pod.
func (s *Session) pumpInput(input io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := input.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, DetachByte); i >= 0 {
				if !s.readOnly && i > 0 {
					if err := s.writeFrame(wire.FrameTypeInput, chunk[:i]); err != nil {
						return nil
					}
				}
				return ErrDetached
			}
			if !s.readOnly {
				if err := s.writeFrame(wire.FrameTypeInput, chunk); err != nil {
					// Connection loss surfaces through the output pump.
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read terminal input: %w", err)
		}
	}
}
