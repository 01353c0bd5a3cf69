// Package channel implements the two per-client byte pipes of the relay:
// the reliable length-framed stream and the unreliable datagram channel.
// Both sides of the wire (relay and client library) share these types.
package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

const (
	// pollInterval is the read deadline applied to every blocking socket
	// read so the reader can observe Stop within one interval.
	pollInterval = time.Second

	// readChunk is the per-read slice size while assembling a payload.
	readChunk = 4096
)

// Reliable wraps one stream socket with length-prefixed framing. A single
// reader goroutine delivers complete payloads to the message callback; the
// close callback fires exactly once when the reader exits for any reason
// (peer close, I/O error, or Stop).
type Reliable struct {
	conn      net.Conn
	onMessage func([]byte)
	onClose   func()

	sendMu    sync.Mutex
	running   atomic.Bool
	closeOnce sync.Once
}

// NewReliable wraps conn. The channel does nothing until Start is called.
func NewReliable(conn net.Conn, onMessage func([]byte), onClose func()) *Reliable {
	return &Reliable{
		conn:      conn,
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Start launches the reader goroutine. Precondition: not yet started.
func (r *Reliable) Start() {
	r.running.Store(true)
	go r.readLoop()
}

// Stop asks the reader to exit; it notices within one poll interval and
// then closes the socket and fires the close callback.
func (r *Reliable) Stop() {
	r.running.Store(false)
}

// Send frames payload and writes it to the socket. Oversize payloads are
// truncated to protocol.MaxFramePayload; empty payloads are rejected.
// Writes are serialized, so Send is safe from multiple goroutines.
func (r *Reliable) Send(payload []byte) error {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if _, err := r.conn.Write(frame); err != nil {
		return fmt.Errorf("reliable send: %w", err)
	}
	return nil
}

// RemoteAddr returns the peer's stream address.
func (r *Reliable) RemoteAddr() net.Addr {
	return r.conn.RemoteAddr()
}

// readLoop reads frames until the peer goes away, an I/O error occurs, or
// Stop is observed at a poll boundary.
func (r *Reliable) readLoop() {
	defer r.shutdown()

	header := make([]byte, protocol.HeaderSize)
	for r.running.Load() {
		r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := io.ReadFull(r.conn, header)
		if err != nil {
			// A deadline expiry with no bytes read is just the poll
			// heartbeat. A partial header is a real framing error.
			if isTimeout(err) && n == 0 {
				continue
			}
			if errors.Is(err, io.EOF) && n == 0 {
				util.LogDebug("reliable channel: closed by peer")
			} else {
				util.LogWarning("reliable channel: header read: %v", err)
			}
			return
		}

		length, err := protocol.DecodeHeader(header)
		if err != nil {
			util.LogWarning("reliable channel: %v", err)
			return
		}

		payload, err := r.readPayload(length)
		if err != nil {
			util.LogWarning("reliable channel: payload read: %v", err)
			return
		}

		r.onMessage(payload)
	}
}

// readPayload reads exactly length bytes in readChunk-sized pieces.
// Deadline expiries mid-payload are not errors — the peer has already
// committed a frame — but an EOF short of length is.
func (r *Reliable) readPayload(length int) ([]byte, error) {
	payload := make([]byte, length)
	read := 0
	for read < length {
		if !r.running.Load() {
			return nil, errors.New("stopped mid-frame")
		}
		chunk := length - read
		if chunk > readChunk {
			chunk = readChunk
		}
		r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := r.conn.Read(payload[read : read+chunk])
		read += n
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
	}
	return payload, nil
}

// shutdown closes the socket and fires the close callback exactly once,
// regardless of why the reader exited.
func (r *Reliable) shutdown() {
	r.closeOnce.Do(func() {
		r.running.Store(false)
		r.conn.Close()
		if r.onClose != nil {
			r.onClose()
		}
	})
}

// isTimeout reports whether err is a socket deadline expiry.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
