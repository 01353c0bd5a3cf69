package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxFramePayload caps the payload of a single reliable frame. Send
	// paths truncate to this size; receive paths treat a longer length
	// header as a framing error.
	MaxFramePayload = 1024 * 1024

	// HeaderSize is the length prefix in front of every reliable frame:
	// an unsigned little-endian byte count.
	HeaderSize = 4

	// MaxDatagramSize caps a single unreliable payload. Sized to fit a
	// 1500-byte MTU after IP and UDP headers.
	MaxDatagramSize = 1472
)

// Probe is the designated first datagram a client sends on a fresh
// unreliable channel so the relay can learn its return address. The relay
// absorbs it and never dispatches it as application data.
var Probe = []byte("010011000111")

// ErrEmptyPayload is returned when a caller tries to send zero bytes.
// An empty frame is indistinguishable from a broken header, so the
// protocol forbids it outright.
var ErrEmptyPayload = errors.New("empty payload")

// EncodeFrame returns the wire form of payload: the length header followed
// by the payload bytes. Oversize payloads are truncated to MaxFramePayload;
// empty payloads are rejected.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxFramePayload {
		payload = payload[:MaxFramePayload]
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeHeader parses a frame header and returns the payload length it
// announces. Zero and over-limit lengths are framing errors.
func DecodeHeader(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("short frame header: %d bytes", len(header))
	}
	n := binary.LittleEndian.Uint32(header[:HeaderSize])
	if n == 0 {
		return 0, errors.New("zero-length frame")
	}
	if n > MaxFramePayload {
		return 0, fmt.Errorf("frame length %d exceeds limit %d", n, MaxFramePayload)
	}
	return int(n), nil
}
