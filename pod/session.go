// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package pod

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/hivemux/hivemux/wire"
	"golang.org/x/sys/unix"
)

const (
	// pollTimeoutMs bounds each readiness wait so the child-exit check
	// runs periodically even when every descriptor is idle.
	pollTimeoutMs = 1000

	// readBufferSize is the per-iteration PTY and connection read
	// bound. Also the chunk size for backlog replay frames, keeping
	// per-write memory small regardless of backlog size.
	readBufferSize = 16 * 1024

	// sideChannelWaitMs is how long the loop waits for an ephemeral
	// connection's bytes to arrive after accept. The sender connects
	// and writes in one burst, but the bytes can trail the accept by a
	// scheduling quantum.
	sideChannelWaitMs = 1000
)

// Terminal is the PTY capability the session drives. *PTY is the real
// implementation; tests substitute a pipe-backed fake. The descriptor
// returned by Fd must be pollable and non-blocking for reads.
type Terminal interface {
	Fd() int
	// Read returns unix.EAGAIN when no output is available and 0, nil
	// on EOF.
	Read(buf []byte) (int, error)
	Write(data []byte) error
	Resize(columns, rows uint16) error
	// Exited reports whether the child process has terminated.
	Exited() bool
	Close() error
}

// Session bridges one PTY to the multiplexer front-end. It owns the
// pane's listening socket, at most one primary client connection, and
// the backlog ring buffer that absorbs output while detached.
//
// Everything here runs on the single goroutine inside Run. There is no
// locking because there is no sharing: the loop is the only owner of
// the backlog, the terminal, and the connections.
type Session struct {
	paneID   string
	terminal Terminal
	listener *Listener
	logger   *slog.Logger

	// client is the primary connection, nil while detached. Ephemeral
	// side-channel connections are never stored.
	client *Conn

	backlog *RingBuffer

	// clientReader reassembles the primary client's frame stream and
	// survives across reads; sideReader is reset and reused for each
	// ephemeral connection.
	clientReader wire.Reader
	sideReader   wire.Reader

	// ptyPaused suppresses PTY reads for backpressure. True only while
	// detached with a full backlog; attaching a client drains the
	// backlog and clears it.
	ptyPaused bool

	readBuf []byte
}

// NewSession creates a session for one pane. The session takes over
// the terminal and listener; Close releases both.
func NewSession(paneID string, terminal Terminal, listener *Listener, logger *slog.Logger) *Session {
	return newSession(paneID, terminal, listener, BacklogCapacity, logger)
}

func newSession(paneID string, terminal Terminal, listener *Listener, backlogCapacity int, logger *slog.Logger) *Session {
	return &Session{
		paneID:   paneID,
		terminal: terminal,
		listener: listener,
		logger:   logger.With("pane", paneID),
		backlog:  NewRingBuffer(backlogCapacity),
		readBuf:  make([]byte, readBufferSize),
	}
}

// PaneID returns the pane identifier.
func (s *Session) PaneID() string { return s.paneID }

// Run drives the session until the child process exits or the PTY
// hangs up. Client-side failures never end the session; they drop the
// client and the backlog keeps accumulating for the next attach.
func (s *Session) Run() error {
	s.logger.Info("session started",
		"socket", s.listener.Path(),
		"backlog_capacity", s.backlog.Capacity(),
	)

	for {
		if s.terminal.Exited() {
			s.logger.Info("child process exited")
			return nil
		}

		// Interest sets. The PTY entry stays in the poll set while
		// paused with an empty event mask: POLLHUP and POLLERR are
		// reported regardless of requested events, so hangup detection
		// survives backpressure.
		pollFds := make([]unix.PollFd, 0, 3)
		pollFds = append(pollFds, unix.PollFd{Fd: int32(s.listener.Fd()), Events: unix.POLLIN})

		var ptyEvents int16
		if !s.ptyPaused {
			ptyEvents = unix.POLLIN
		}
		pollFds = append(pollFds, unix.PollFd{Fd: int32(s.terminal.Fd()), Events: ptyEvents})

		clientIndex := -1
		if s.client != nil {
			clientIndex = len(pollFds)
			pollFds = append(pollFds, unix.PollFd{Fd: int32(s.client.Fd()), Events: unix.POLLIN})
		}

		ready, err := unix.Poll(pollFds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if ready == 0 {
			continue
		}

		if pollFds[0].Revents&unix.POLLIN != 0 {
			s.acceptPending()
		}

		ptyRevents := pollFds[1].Revents
		if ptyRevents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			s.logger.Info("pty hangup")
			return nil
		}
		if ptyRevents&unix.POLLIN != 0 {
			if ended := s.handleTerminalOutput(); ended {
				return nil
			}
		}

		// The client slot can change within an iteration (attach on
		// accept, drop on write failure), so re-check before touching
		// its revents.
		if clientIndex >= 0 && s.client != nil {
			clientRevents := pollFds[clientIndex].Revents
			if clientRevents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				// Hangup first: do not touch the descriptor again this
				// iteration.
				s.dropClient("hangup")
			} else if clientRevents&unix.POLLIN != 0 {
				s.handleClientInput()
			}
		}
	}
}

// Close releases the session's resources: the primary client if
// attached, the listening socket, and the terminal.
func (s *Session) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	listenerErr := s.listener.Close()
	terminalErr := s.terminal.Close()
	if listenerErr != nil {
		return listenerErr
	}
	return terminalErr
}

// acceptPending drains the accept queue. The first connection while
// detached becomes the primary client; anything else is an ephemeral
// side channel served and closed inline.
func (s *Session) acceptPending() {
	for {
		conn, err := s.listener.TryAccept()
		if err != nil {
			s.logger.Warn("accept failed", "error", err)
			return
		}
		if conn == nil {
			return
		}
		if s.client == nil {
			s.attachPrimary(conn)
		} else {
			s.serveSideChannel(conn)
		}
	}
}

// attachPrimary promotes a fresh connection to primary client: switch
// it to blocking writes, replay the backlog, and resume PTY reads.
func (s *Session) attachPrimary(conn *Conn) {
	if err := conn.SetBlocking(); err != nil {
		s.logger.Warn("reject client", "error", err)
		conn.Close()
		return
	}
	if err := s.replayBacklog(conn); err != nil {
		// The client vanished mid-replay. The backlog is untouched, so
		// nothing is lost for the next attach.
		s.logger.Info("client lost during replay", "error", err)
		conn.Close()
		return
	}
	s.client = conn
	s.clientReader.Reset()
	s.ptyPaused = false
	s.logger.Info("client attached")
}

// replayBacklog delivers the full backlog as bounded output frames
// followed by one backlog_end marker, then clears the backlog: the
// bytes are delivered and the freed capacity is needed for fresh
// output.
func (s *Session) replayBacklog(conn *Conn) error {
	pending := make([]byte, s.backlog.Len())
	s.backlog.CopyOut(pending)

	for offset := 0; offset < len(pending); offset += readBufferSize {
		end := offset + readBufferSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := wire.WriteFrame(conn, wire.FrameTypeOutput, pending[offset:end]); err != nil {
			return err
		}
	}
	if err := wire.WriteFrame(conn, wire.FrameTypeBacklogEnd, nil); err != nil {
		return err
	}

	s.backlog.Clear()
	if len(pending) > 0 {
		s.logger.Debug("backlog replayed", "bytes", len(pending))
	}
	return nil
}

// serveSideChannel handles an ephemeral connection: one bounded read,
// frames dispatched immediately, connection closed. Side channels
// inject input (or resizes) without displacing the primary client.
func (s *Session) serveSideChannel(conn *Conn) {
	defer conn.Close()
	s.sideReader.Reset()

	// The sender's bytes may trail the accept; wait briefly for them.
	if !waitReadable(conn.Fd(), sideChannelWaitMs) {
		s.logger.Debug("side channel delivered no data")
		return
	}
	n, err := conn.Read(s.readBuf)
	if err != nil || n == 0 {
		return
	}
	if err := s.sideReader.Feed(s.readBuf[:n], s.dispatchFrame); err != nil {
		s.logger.Debug("side channel protocol error", "error", err)
	}
}

// handleTerminalOutput consumes PTY output. Returns true when the
// session should end (PTY EOF).
func (s *Session) handleTerminalOutput() bool {
	if s.client == nil {
		return s.bufferDetachedOutput()
	}
	return s.forwardLiveOutput()
}

// bufferDetachedOutput archives PTY output while no client is
// attached. Reads are bounded to the backlog's free space so the
// no-drop append cannot fail; a full backlog pauses PTY consumption
// entirely, letting the kernel PTY buffer push back on the child.
func (s *Session) bufferDetachedOutput() bool {
	available := s.backlog.Available()
	if available == 0 {
		s.ptyPaused = true
		s.logger.Debug("backlog full, pausing pty reads")
		return false
	}

	limit := available
	if limit > readBufferSize {
		limit = readBufferSize
	}
	n, err := s.terminal.Read(s.readBuf[:limit])
	if err == unix.EAGAIN {
		return false
	}
	if err != nil {
		s.logger.Info("pty read failed", "error", err)
		return true
	}
	if n == 0 {
		s.logger.Info("pty closed")
		return true
	}

	chunk := s.readBuf[:n]
	if containsClearSignal(chunk) {
		// A full clear makes prior history irrelevant; reclaim the
		// space before archiving the chunk that cleared the screen.
		s.backlog.Clear()
	}
	if !s.backlog.AppendNoDrop(chunk) {
		// Unreachable: the read was bounded to Available().
		s.backlog.Append(chunk)
	}
	if s.backlog.IsFull() {
		s.ptyPaused = true
	}
	return false
}

// forwardLiveOutput streams PTY output to the attached client and
// archives it in the backlog for future reconnects. Old backlog bytes
// are expendable here — the client already received them live — so
// the evicting append applies.
func (s *Session) forwardLiveOutput() bool {
	n, err := s.terminal.Read(s.readBuf)
	if err == unix.EAGAIN {
		return false
	}
	if err != nil {
		s.logger.Info("pty read failed", "error", err)
		return true
	}
	if n == 0 {
		s.logger.Info("pty closed")
		return true
	}

	chunk := s.readBuf[:n]
	if containsClearSignal(chunk) {
		s.backlog.Clear()
	}
	s.backlog.Append(chunk)

	if err := wire.WriteFrame(s.client, wire.FrameTypeOutput, chunk); err != nil {
		// The backlog already holds these bytes; nothing is lost for
		// the next viewer.
		s.dropClient("write failed")
	}
	return false
}

// handleClientInput reads once from the primary client and dispatches
// any completed frames.
func (s *Session) handleClientInput() {
	n, err := s.client.Read(s.readBuf)
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		s.dropClient("read failed")
		return
	}
	if n == 0 {
		s.dropClient("closed")
		return
	}
	if err := s.clientReader.Feed(s.readBuf[:n], s.dispatchFrame); err != nil {
		// Malformed framing. The stream is unrecoverable; the backlog
		// keeps the client's view reconstructible on reconnect.
		s.dropClient("protocol error")
	}
}

// dispatchFrame applies one frame from either connection role. Frame
// types meaningful only to the far end are ignored.
func (s *Session) dispatchFrame(frame wire.Frame) error {
	switch frame.Type {
	case wire.FrameTypeInput:
		if err := s.terminal.Write(frame.Payload); err != nil {
			// The PTY is going away; the poll loop observes the hangup
			// on its next iteration.
			s.logger.Warn("pty input write failed", "error", err)
		}
	case wire.FrameTypeResize:
		columns, rows, err := wire.ParseResizePayload(frame.Payload)
		if err != nil {
			s.logger.Debug("dropping malformed resize frame", "error", err)
			return nil
		}
		if err := s.terminal.Resize(columns, rows); err != nil {
			s.logger.Warn("pty resize failed", "error", err)
		}
	}
	return nil
}

// dropClient closes and forgets the primary client. The session keeps
// running; output accumulates in the backlog until the next attach.
func (s *Session) dropClient(reason string) {
	if s.client == nil {
		return
	}
	s.client.Close()
	s.client = nil
	s.clientReader.Reset()
	s.logger.Info("client detached", "reason", reason)
}

// containsClearSignal reports whether a PTY output chunk clears the
// screen: a form feed (^L as echoed by clear(1) on some terminfos) or
// the xterm erase-scrollback sequence CSI 3 J.
func containsClearSignal(chunk []byte) bool {
	if bytes.IndexByte(chunk, 0x0C) >= 0 {
		return true
	}
	return bytes.Contains(chunk, []byte("\x1b[3J"))
}

// waitReadable polls a single descriptor for input with a bounded
// timeout. Returns false on timeout or poll failure.
func waitReadable(fd int, timeoutMs int) bool {
	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		ready, err := unix.Poll(pollFds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return err == nil && ready > 0
	}
}
