// Package client implements the rider side of the scenecomm protocol: a
// framed reliable connection to the relay, an on-demand datagram channel,
// and typed helpers for the control actions.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/attolabs/scenecomm/internal/channel"
	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

const dialTimeout = 5 * time.Second

// Callbacks lets an application observe relay traffic. All fields are
// optional; nil callbacks drop the event with a debug line.
type Callbacks struct {
	// OnMessage receives every reliable envelope the library does not
	// consume itself (rider_status_update, broadcast, roster replies...).
	OnMessage func(*protocol.Envelope)
	// OnDatagram receives relayed datagrams from scene peers.
	OnDatagram func([]byte)
	// OnUDPReady fires once the datagram channel is open and the
	// discovery probe has been sent. port is the relay-side port.
	OnUDPReady func(port int)
	// OnClose fires once when the reliable connection goes away.
	OnClose func()
}

// Client is one connection to the relay.
type Client struct {
	server string
	cb     Callbacks

	rch *channel.Reliable

	mu  sync.Mutex
	dch *dgramLink
}

// New creates a Client for the relay at host:port. Nothing is dialed
// until Connect.
func New(server string, port int, cb Callbacks) *Client {
	return &Client{server: net.JoinHostPort(server, strconv.Itoa(port)), cb: cb}
}

// Connect dials the relay and starts the reliable reader. The Welcome!
// envelope arrives asynchronously via OnMessage.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.server, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect to relay %s: %w", c.server, err)
	}
	c.rch = channel.NewReliable(conn, c.handleMessage, c.handleClose)
	c.rch.Start()
	return nil
}

// Close tears down both channels. Safe to call more than once.
func (c *Client) Close() {
	if c.rch != nil {
		c.rch.Stop()
	}
	c.mu.Lock()
	dch := c.dch
	c.mu.Unlock()
	if dch != nil {
		dch.stop()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Control actions
// ─────────────────────────────────────────────────────────────────────────────

// UpdateUser posts the client's identity.
func (c *Client) UpdateUser(ui protocol.UserInfo) error {
	return c.sendEnvelope(protocol.ActionUpdateUser, mustJSON(ui))
}

// UpdateStatus posts the client's scene, position, and speed.
func (c *Client) UpdateStatus(si protocol.StatusInfo) error {
	return c.sendEnvelope(protocol.ActionUpdateStatus, mustJSON(si))
}

// RequestUDPChannel asks the relay to open a datagram channel. The reply
// is handled internally; OnUDPReady fires when the channel is usable.
func (c *Client) RequestUDPChannel() error {
	return c.sendEnvelope(protocol.ActionCreateUDP, "")
}

// ListClients requests the roster. The reply arrives via OnMessage as a
// list_clients envelope.
func (c *Client) ListClients() error {
	return c.sendEnvelope(protocol.ActionListClients, "")
}

// Broadcast fans msg out to every client in the same scene.
func (c *Client) Broadcast(msg string) error {
	return c.sendEnvelope(protocol.ActionBroadcast, msg)
}

// SendData posts a generic data envelope. The relay currently drops these;
// the action exists for protocol symmetry with older clients.
func (c *Client) SendData(msg string) error {
	return c.sendEnvelope(protocol.ActionData, msg)
}

// SendDatagram transmits payload on the datagram channel. It is a silent
// no-op until the channel is ready.
func (c *Client) SendDatagram(payload []byte) error {
	c.mu.Lock()
	dch := c.dch
	c.mu.Unlock()
	if dch == nil {
		util.LogDebug("no datagram channel yet, dropping %d bytes", len(payload))
		return nil
	}
	return dch.send(payload)
}

func (c *Client) sendEnvelope(action, data string) error {
	env := protocol.Envelope{Action: action, Data: data}
	return c.rch.Send(env.Encode())
}

// ─────────────────────────────────────────────────────────────────────────────
// Inbound handling
// ─────────────────────────────────────────────────────────────────────────────

// handleMessage consumes create_udp_channel replies and forwards every
// other envelope to the application.
func (c *Client) handleMessage(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		util.LogWarning("%v, dropping [%s]", err, util.Ellipsize(string(data)))
		return
	}

	if env.Action == protocol.ActionCreateUDP {
		c.openUDP(env.Data)
		return
	}

	if c.cb.OnMessage != nil {
		c.cb.OnMessage(env)
		return
	}
	util.LogDebug("no message callback, dropping action %q", env.Action)
}

// openUDP dials the relay-side datagram port from the reply and sends the
// discovery probe so the relay can learn our return address.
func (c *Client) openUDP(portStr string) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		util.LogWarning("bad udp port in reply: %q", portStr)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dch != nil {
		util.LogWarning("datagram channel already open, ignoring reply")
		return
	}

	host, _, err := net.SplitHostPort(c.server)
	if err != nil {
		util.LogWarning("split relay addr: %v", err)
		return
	}
	dch, err := dialDgram(net.JoinHostPort(host, strconv.Itoa(port)), c.cb.OnDatagram)
	if err != nil {
		util.LogWarning("open datagram channel: %v", err)
		return
	}
	c.dch = dch

	if c.cb.OnUDPReady != nil {
		c.cb.OnUDPReady(port)
	}
}

func (c *Client) handleClose() {
	c.mu.Lock()
	dch := c.dch
	c.mu.Unlock()
	if dch != nil {
		dch.stop()
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose()
	}
}

func mustJSON(v any) string {
	buf, _ := json.Marshal(v) // string-field structs, cannot fail
	return string(buf)
}
