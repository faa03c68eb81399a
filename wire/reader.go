// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameFunc handles one reassembled frame. Returning an error stops
// the current Feed call; the frame that produced the error is already
// consumed and will not be redelivered.
type FrameFunc func(frame Frame) error

// Reader reassembles frames from a byte stream delivered in arbitrary
// chunks. It retains partial-frame bytes between Feed calls, so a
// single Reader must stay bound to a single stream for its lifetime
// (or be Reset between streams).
//
// Reader is not safe for concurrent use; the pod's event loop is the
// only caller.
type Reader struct {
	// pending holds bytes received but not yet consumed as a complete
	// frame. Never grows beyond one header plus MaxFrameLen plus the
	// size of the last chunk fed.
	pending []byte
}

// Feed appends data to the retained stream state and invokes emit once
// per fully reassembled frame, in arrival order, before returning.
//
// On a malformed stream (declared payload length above MaxFrameLen)
// Feed discards all retained state and returns an error; the caller
// should treat the stream as unusable. An error returned by emit is
// propagated immediately, keeping any unconsumed bytes for a later
// Feed call.
func (r *Reader) Feed(data []byte, emit FrameFunc) error {
	r.pending = append(r.pending, data...)

	for len(r.pending) >= frameHeaderLength {
		frameType := r.pending[0]
		payloadLength := binary.BigEndian.Uint32(r.pending[1:5])
		if payloadLength > MaxFrameLen {
			r.pending = nil
			return fmt.Errorf("frame payload length %d exceeds maximum %d", payloadLength, MaxFrameLen)
		}
		total := frameHeaderLength + int(payloadLength)
		if len(r.pending) < total {
			return nil
		}

		// Copy the payload out of the retained buffer: the handler may
		// hold onto it past the next Feed call.
		payload := make([]byte, payloadLength)
		copy(payload, r.pending[frameHeaderLength:total])

		// Consume the frame before dispatching so an emit error cannot
		// cause redelivery.
		r.pending = r.pending[total:]

		if err := emit(Frame{Type: frameType, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards retained partial-frame state. Call when repurposing
// the Reader for a new stream.
func (r *Reader) Reset() {
	r.pending = nil
}
