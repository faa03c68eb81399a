// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the framed binary protocol spoken between a pod
// and its clients. Every byte crossing a pod socket is part of a frame;
// raw unframed data never appears on the wire.
//
// A frame is a 5-byte header (1 byte type + 4 byte big-endian payload
// length) followed by the payload. The pod consumes incoming bytes
// through the incremental Reader (reader.go), which tolerates frames
// split arbitrarily across socket reads; clients on blocking
// connections can use ReadFrame directly.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants.
const (
	// FrameTypeOutput carries raw terminal output bytes, pod→client.
	// Also used for backlog replay immediately after a client attaches.
	// Payload is opaque bytes passed through unmodified.
	FrameTypeOutput byte = 0x01

	// FrameTypeInput carries keyboard/paste input bytes, client→pod.
	// The pod writes the payload verbatim to the PTY master.
	FrameTypeInput byte = 0x02

	// FrameTypeResize carries terminal dimensions, client→pod. Payload
	// is at least 4 bytes: columns (uint16 big-endian) then rows
	// (uint16 big-endian); any trailing bytes are ignored.
	FrameTypeResize byte = 0x03

	// FrameTypeBacklogEnd marks the end of backlog replay, pod→client.
	// Sent exactly once per attach, after the last replayed output
	// frame and before any live output. Empty payload.
	FrameTypeBacklogEnd byte = 0x04
)

// frameHeaderLength is the fixed size of a frame header: 1 byte type
// + 4 bytes payload length.
const frameHeaderLength = 5

// MaxFrameLen is the maximum allowed payload size. Pods chunk output
// at 16 KiB, so 1 MiB is generous headroom; the bound exists to keep
// the Reader's retained state finite when fed a corrupt stream.
const MaxFrameLen = 1024 * 1024

// Frame is a single protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame serializes one complete frame to w. A write error means
// the connection is gone; the caller must treat it as connection loss.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(payload), MaxFrameLen)
	}
	var header [frameHeaderLength]byte
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one complete frame from a blocking stream. Used by
// clients; the pod's non-blocking event loop uses Reader instead.
// Returns an error if the stream is malformed or the payload exceeds
// MaxFrameLen.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxFrameLen {
		return Frame{}, fmt.Errorf("frame payload length %d exceeds maximum %d", payloadLength, MaxFrameLen)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// ResizePayload encodes terminal dimensions for a resize frame.
func ResizePayload(columns, rows uint16) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], columns)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return payload
}

// ParseResizePayload extracts columns and rows from a resize frame
// payload. The payload must be at least 4 bytes; trailing bytes are
// ignored.
func ParseResizePayload(payload []byte) (columns, rows uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("resize payload must be at least 4 bytes, got %d", len(payload))
	}
	columns = binary.BigEndian.Uint16(payload[0:2])
	rows = binary.BigEndian.Uint16(payload[2:4])
	return columns, rows, nil
}
