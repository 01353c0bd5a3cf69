// Package relay implements the server side of the scenecomm protocol: the
// per-client Transport pairing the two channels, the accepting Listener,
// the UDP port allocator, and the Hub that fans traffic out between
// co-scene clients.
package relay

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/attolabs/scenecomm/internal/channel"
	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

// Transport owns one connected client: its reliable channel, its lazily
// created datagram channel, and the client's self-reported profile. The
// Hub owns Transports; Transports reach back only through the callbacks
// given at construction.
type Transport struct {
	id  uint64
	rch *channel.Reliable

	mu      sync.Mutex // guards dch and profile
	dch     *channel.Datagram
	profile protocol.Profile

	onDatagramData func(*Transport, []byte)
	onClosed       func(*Transport)
	closed         atomic.Bool
}

// newTransport wires a freshly accepted connection into a Transport.
// onReliable and onDatagram receive inbound traffic; onClosed fires
// exactly once when the Transport shuts down.
func newTransport(
	id uint64,
	conn net.Conn,
	onReliable func(*Transport, []byte),
	onDatagram func(*Transport, []byte),
	onClosed func(*Transport),
) *Transport {
	tp := &Transport{
		id:       id,
		profile:  protocol.NewProfile(),
		onClosed: onClosed,
	}
	tp.rch = channel.NewReliable(conn,
		func(data []byte) { onReliable(tp, data) },
		tp.Stop,
	)
	// Stored for AttachDatagram — the datagram channel does not exist
	// until the client asks for one.
	tp.onDatagramData = onDatagram
	return tp
}

// ID returns the Transport's registry id.
func (tp *Transport) ID() uint64 {
	return tp.id
}

// Start spins up the reliable reader. Precondition: not yet started.
func (tp *Transport) Start() {
	tp.rch.Start()
}

// SendReliable forwards payload to the reliable channel.
func (tp *Transport) SendReliable(payload []byte) error {
	if tp.rch == nil {
		util.LogWarning("transport %d: no reliable channel, dropping %d bytes", tp.id, len(payload))
		return nil
	}
	return tp.rch.Send(payload)
}

// SendUnreliable forwards payload to the datagram channel. It is a silent
// no-op when the channel is absent or has not learned its peer yet.
func (tp *Transport) SendUnreliable(payload []byte) error {
	tp.mu.Lock()
	dch := tp.dch
	tp.mu.Unlock()
	if dch == nil {
		return nil
	}
	return dch.Send(payload)
}

// AttachDatagram adopts a bound UDP socket as this Transport's datagram
// channel and starts its reader. It reports false — leaving conn untouched
// — if a channel already exists.
func (tp *Transport) AttachDatagram(conn *net.UDPConn) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.dch != nil {
		return false
	}
	tp.dch = channel.NewDatagram(conn,
		func(data []byte) { tp.onDatagramData(tp, data) },
		tp.Stop,
	)
	tp.dch.Start()
	return true
}

// HasDatagram reports whether a datagram channel has been created.
func (tp *Transport) HasDatagram() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.dch != nil
}

// UpdateUser overwrites the identity fields of the profile from a posted
// JSON document.
func (tp *Transport) UpdateUser(data string) error {
	var ui protocol.UserInfo
	if err := json.Unmarshal([]byte(data), &ui); err != nil {
		return err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.profile.UserID = ui.UserID
	tp.profile.UserName = ui.UserName
	tp.profile.UserDomain = ui.UserDomain
	return nil
}

// UpdateStatus overwrites the ride status fields of the profile from a
// posted JSON document.
func (tp *Transport) UpdateStatus(data string) error {
	var si protocol.StatusInfo
	if err := json.Unmarshal([]byte(data), &si); err != nil {
		return err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.profile.SceneID = si.SceneID
	tp.profile.ScenePos = si.ScenePos
	tp.profile.Speed = si.Speed
	return nil
}

// Profile returns a copy of the current profile.
func (tp *Transport) Profile() protocol.Profile {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.profile
}

// SceneID returns the client's current scene.
func (tp *Transport) SceneID() string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.profile.SceneID
}

// Stop transitions the Transport to closed: both readers are asked to
// exit, both sockets close, and the Hub's removal callback fires. Either
// channel's close callback also lands here, so the closed latch makes the
// whole teardown idempotent.
func (tp *Transport) Stop() {
	if !tp.closed.CompareAndSwap(false, true) {
		return
	}
	tp.rch.Stop()
	tp.mu.Lock()
	dch := tp.dch
	tp.mu.Unlock()
	if dch != nil {
		dch.Stop()
	}
	tp.onClosed(tp)
}
