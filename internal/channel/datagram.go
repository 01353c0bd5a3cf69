package channel

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

// Datagram wraps one UDP socket. The remote address is unknown at
// construction: the reader learns it from the first inbound datagram and
// memoizes it. Until then, Send silently drops payloads — they have no
// destination. Once learned, datagrams from any other source address are
// dropped.
type Datagram struct {
	conn      *net.UDPConn
	onMessage func([]byte)
	onClose   func()

	sendMu sync.Mutex
	peerMu sync.RWMutex
	peer   *net.UDPAddr

	running   atomic.Bool
	closeOnce sync.Once
}

// NewDatagram wraps a bound UDP socket. The channel does nothing until
// Start is called.
func NewDatagram(conn *net.UDPConn, onMessage func([]byte), onClose func()) *Datagram {
	return &Datagram{
		conn:      conn,
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Start launches the reader goroutine. Precondition: not yet started.
func (d *Datagram) Start() {
	d.running.Store(true)
	go d.readLoop()
}

// Stop asks the reader to exit; it notices within one poll interval and
// then closes the socket and fires the close callback.
func (d *Datagram) Stop() {
	d.running.Store(false)
}

// LocalPort returns the local UDP port the socket is bound to.
func (d *Datagram) LocalPort() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// PeerKnown reports whether the return address has been learned yet.
func (d *Datagram) PeerKnown() bool {
	d.peerMu.RLock()
	defer d.peerMu.RUnlock()
	return d.peer != nil
}

// Send transmits payload as a single datagram, truncated to
// protocol.MaxDatagramSize. Payloads are dropped without error while the
// peer address is unknown; empty payloads are rejected.
func (d *Datagram) Send(payload []byte) error {
	if len(payload) == 0 {
		return protocol.ErrEmptyPayload
	}
	d.peerMu.RLock()
	peer := d.peer
	d.peerMu.RUnlock()
	if peer == nil {
		return nil
	}
	if len(payload) > protocol.MaxDatagramSize {
		payload = payload[:protocol.MaxDatagramSize]
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	_, err := d.conn.WriteToUDP(payload, peer)
	return err
}

// readLoop receives datagrams until an I/O error occurs or Stop is
// observed at a poll boundary. The first inbound datagram fixes the peer
// address; the discovery probe is absorbed, never dispatched.
func (d *Datagram) readLoop() {
	defer d.shutdown()

	buf := make([]byte, protocol.MaxDatagramSize)
	for d.running.Load() {
		d.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			util.LogWarning("datagram channel: read: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		d.peerMu.Lock()
		switch {
		case d.peer == nil:
			util.LogDebug("datagram channel: learned peer address %s", addr)
			d.peer = addr
		case !sameAddr(d.peer, addr):
			d.peerMu.Unlock()
			util.LogDebug("datagram channel: dropping datagram from unexpected source %s", addr)
			continue
		}
		d.peerMu.Unlock()

		if bytes.Equal(buf[:n], protocol.Probe) {
			// Address-discovery handshake, not application data.
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.onMessage(payload)
	}
}

// shutdown closes the socket and fires the close callback exactly once.
func (d *Datagram) shutdown() {
	d.closeOnce.Do(func() {
		d.running.Store(false)
		d.conn.Close()
		if d.onClose != nil {
			d.onClose()
		}
	})
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
