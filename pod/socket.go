// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package pod

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Listener is a unix-domain stream socket accepting pod connections.
// The descriptor is non-blocking so the event loop can include it in
// its poll set and accept without ever stalling.
type Listener struct {
	fd     int
	path   string
	closed bool
}

// ListenSocket creates the pod's listening socket at path, replacing
// any stale socket file left by a previous pod. The socket is owner-
// only: the pane's backlog is whatever ran in the terminal, which can
// include anything.
func ListenSocket(path string) (*Listener, error) {
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create unix socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	return &Listener{fd: fd, path: path}, nil
}

// Fd returns the listening descriptor for readiness polling.
func (l *Listener) Fd() int { return l.fd }

// Path returns the socket filesystem path.
func (l *Listener) Path() string { return l.path }

// TryAccept accepts one pending connection. Returns nil, nil when no
// connection is waiting. Accepted descriptors start non-blocking; the
// session switches a connection to blocking mode if it becomes the
// primary client.
func (l *Listener) TryAccept() (*Conn, error) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return &Conn{fd: fd}, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.ECONNABORTED:
			return nil, nil
		default:
			return nil, fmt.Errorf("accept on %s: %w", l.path, err)
		}
	}
}

// Close shuts the listener and removes the socket file. Idempotent.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := unix.Close(l.fd)
	if unlinkErr := unix.Unlink(l.path); err == nil && unlinkErr != nil && unlinkErr != unix.ENOENT {
		err = unlinkErr
	}
	return err
}

// Conn is one accepted pod connection, held as a raw descriptor so the
// event loop can poll it directly.
type Conn struct {
	fd     int
	closed bool
}

// Fd returns the connection descriptor for readiness polling.
func (c *Conn) Fd() int { return c.fd }

// SetBlocking switches the descriptor to blocking semantics. Accepted
// connections start non-blocking, which is wrong for the long-lived
// primary stream: under an output burst a would-block write would be
// indistinguishable from a fatal error and would tear the client down.
func (c *Conn) SetBlocking() error {
	if err := unix.SetNonblock(c.fd, false); err != nil {
		return fmt.Errorf("set connection blocking: %w", err)
	}
	return nil
}

// Read reads once from the connection. Returns 0, nil on peer close
// and unix.EAGAIN when a non-blocking read finds nothing.
func (c *Conn) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Write writes the whole buffer, retrying short writes. Satisfies
// io.Writer so frames can be serialized straight onto the connection.
func (c *Conn) Write(data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := unix.Write(c.fd, data[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("write to connection: %w", err)
		}
		total += n
	}
	return total, nil
}

// Close releases the descriptor. Idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
