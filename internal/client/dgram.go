package client

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

// dgramLink is the client end of the datagram channel. Unlike the relay
// side it knows its peer up front, so the socket is connected and the
// discovery probe goes out immediately.
type dgramLink struct {
	conn      *net.UDPConn
	onMessage func([]byte)

	sendMu    sync.Mutex
	running   atomic.Bool
	closeOnce sync.Once
}

// dialDgram connects a UDP socket to the relay's per-client port, sends
// the discovery probe, and starts the reader.
func dialDgram(addr string, onMessage func([]byte)) (*dgramLink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	d := &dgramLink{conn: conn, onMessage: onMessage}
	if _, err := conn.Write(protocol.Probe); err != nil {
		conn.Close()
		return nil, err
	}
	d.running.Store(true)
	go d.readLoop()
	return d, nil
}

// send transmits payload as one datagram, truncated to the protocol limit.
func (d *dgramLink) send(payload []byte) error {
	if len(payload) == 0 {
		return protocol.ErrEmptyPayload
	}
	if len(payload) > protocol.MaxDatagramSize {
		payload = payload[:protocol.MaxDatagramSize]
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	_, err := d.conn.Write(payload)
	return err
}

func (d *dgramLink) stop() {
	d.running.Store(false)
}

func (d *dgramLink) readLoop() {
	defer d.shutdown()

	buf := make([]byte, protocol.MaxDatagramSize)
	for d.running.Load() {
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := d.conn.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			util.LogDebug("datagram link: read: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		if d.onMessage == nil {
			util.LogDebug("no datagram callback, dropping %d bytes", n)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.onMessage(payload)
	}
}

func (d *dgramLink) shutdown() {
	d.closeOnce.Do(func() {
		d.running.Store(false)
		d.conn.Close()
	})
}
