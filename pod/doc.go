// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package pod implements the per-pane backend of the hivemux terminal
// multiplexer: a detachable process that owns one PTY and bridges it to
// front-end clients over a unix-domain socket.
//
// A pod outlives its viewers. While no client is attached, PTY output
// accumulates in a bounded [RingBuffer] backlog (4 MiB); when the
// backlog fills, PTY reads are suspended rather than dropping bytes,
// and the kernel PTY buffer pushes back on the child process. When a
// client attaches, the backlog is replayed as chunked output frames
// terminated by a backlog_end marker, then live streaming resumes.
//
// Connections play one of two roles. The first connection accepted
// while detached becomes the primary client: a long-lived stream
// carrying output frames out and input/resize frames in. Any
// connection accepted while a primary client exists is an ephemeral
// side channel: its frames (typically input injection) are dispatched
// once and the connection is closed without displacing the primary.
//
// [Session.Run] is a single-threaded, poll-driven event loop. One
// goroutine multiplexes the listening socket, the PTY master, and the
// primary client with poll(2); there is no locking because the loop is
// the sole owner of every resource it touches. The wait is bounded at
// one second so child-exit detection cannot be starved by idle
// descriptors.
//
// Failure handling follows the connection-role split: client I/O
// failures drop the client and the session keeps running; PTY hangup,
// PTY EOF, and child exit end the session.
package pod
