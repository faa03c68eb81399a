// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer

	if err := WriteFrame(&stream, FrameTypeOutput, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&stream, FrameTypeBacklogEnd, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	first, err := ReadFrame(&stream)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if first.Type != FrameTypeOutput || !bytes.Equal(first.Payload, []byte("hello")) {
		t.Errorf("first frame: got type %#x payload %q", first.Type, first.Payload)
	}

	second, err := ReadFrame(&stream)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if second.Type != FrameTypeBacklogEnd || len(second.Payload) != 0 {
		t.Errorf("second frame: got type %#x payload %q", second.Type, second.Payload)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	if err := WriteFrame(&stream, FrameTypeOutput, make([]byte, MaxFrameLen+1)); err == nil {
		t.Fatal("WriteFrame accepted payload above MaxFrameLen")
	}
	if stream.Len() != 0 {
		t.Errorf("oversize WriteFrame wrote %d bytes to the stream", stream.Len())
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	t.Parallel()
	// Header declaring a payload one byte over the limit.
	header := []byte{FrameTypeOutput, 0x00, 0x10, 0x00, 0x01}
	if _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Fatal("ReadFrame accepted oversize declared length")
	}
}

func TestResizePayloadRoundTrip(t *testing.T) {
	t.Parallel()
	payload := ResizePayload(80, 24)
	if !bytes.Equal(payload, []byte{0x00, 0x50, 0x00, 0x18}) {
		t.Fatalf("ResizePayload(80, 24) = %#v", payload)
	}
	columns, rows, err := ParseResizePayload(payload)
	if err != nil {
		t.Fatalf("ParseResizePayload: %v", err)
	}
	if columns != 80 || rows != 24 {
		t.Errorf("got %dx%d, want 80x24", columns, rows)
	}
}

func TestParseResizePayloadIgnoresTrailingBytes(t *testing.T) {
	t.Parallel()
	columns, rows, err := ParseResizePayload([]byte{0x00, 0x78, 0x00, 0x32, 0xff, 0xff})
	if err != nil {
		t.Fatalf("ParseResizePayload: %v", err)
	}
	if columns != 120 || rows != 50 {
		t.Errorf("got %dx%d, want 120x50", columns, rows)
	}
}

func TestParseResizePayloadTooShort(t *testing.T) {
	t.Parallel()
	if _, _, err := ParseResizePayload([]byte{0x00, 0x50, 0x00}); err == nil {
		t.Fatal("ParseResizePayload accepted a 3-byte payload")
	}
}
