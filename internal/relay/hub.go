package relay

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

// Hub is the relay registry. It owns the set of live Transports, assigns
// ids, dispatches inbound control actions, and performs scene-scoped
// fan-out on both channels. All registry mutation funnels through the hub
// mutex; fan-out iterates snapshots so a slow or dying recipient cannot
// stall unrelated clients.
type Hub struct {
	listener *Listener
	ports    *PortAllocator

	mu           sync.Mutex
	clients      []*Transport // insertion order preserved for list_clients
	nextID       uint64
	shuttingDown bool
}

// NewHub creates a Hub that will listen on addr and draw datagram ports
// from ports.
func NewHub(addr string, ports *PortAllocator) *Hub {
	h := &Hub{ports: ports}
	h.listener = NewListener(addr, h.OnNewConnection)
	return h
}

// Start binds the listener and begins accepting clients.
func (h *Hub) Start() error {
	return h.listener.Start()
}

// Addr returns the listener's bound address.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// Stop halts the listener first, then asks every live Transport to stop.
// It does not wait for reader goroutines beyond their poll interval.
func (h *Hub) Stop() {
	h.listener.Stop()

	h.mu.Lock()
	h.shuttingDown = true
	snapshot := make([]*Transport, len(h.clients))
	copy(snapshot, h.clients)
	h.mu.Unlock()

	util.LogInfo("stopping service, asking %d clients to stop", len(snapshot))
	for _, tp := range snapshot {
		tp.Stop()
	}
}

// ClientCount returns the number of live Transports.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ClientInfo is a read-only registry entry, exposed for the ops surface.
type ClientInfo struct {
	ID      uint64           `json:"id"`
	Profile protocol.Profile `json:"profile"`
}

// Roster returns a snapshot of the registry in insertion order.
func (h *Hub) Roster() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	roster := make([]ClientInfo, 0, len(h.clients))
	for _, tp := range h.clients {
		roster = append(roster, ClientInfo{ID: tp.ID(), Profile: tp.Profile()})
	}
	return roster
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// OnNewConnection registers a Transport for an accepted socket and starts
// it. The Transport is appended before its reader starts, so a client is
// visible for fan-out before its first message can arrive.
func (h *Hub) OnNewConnection(conn net.Conn) {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.nextID++
	tp := newTransport(h.nextID, conn, h.onReliable, h.onDatagram, h.onTransportClosed)
	h.clients = append(h.clients, tp)
	h.mu.Unlock()

	util.Stats.AddConn()
	tp.Start()

	welcome := protocol.Envelope{Action: protocol.ActionWelcome}
	if err := tp.SendReliable(welcome.Encode()); err != nil {
		util.LogWarning("client %d: welcome: %v", tp.ID(), err)
	}
}

// onTransportClosed removes tp from the registry. Safe to call for a
// Transport that is already gone.
func (h *Hub) onTransportClosed(tp *Transport) {
	h.mu.Lock()
	for i, c := range h.clients {
		if c == tp {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	h.mu.Unlock()

	util.Stats.RemoveConn()
	util.LogInfo("removed client %d", tp.ID())
}

// ─────────────────────────────────────────────────────────────────────────────
// Inbound dispatch
// ─────────────────────────────────────────────────────────────────────────────

// onReliable parses the control envelope on an inbound reliable frame and
// dispatches it. Unknown or malformed envelopes are dropped; the client
// stays connected.
func (h *Hub) onReliable(tp *Transport, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		util.LogWarning("client %d: %v, dropping [%s]", tp.ID(), err, util.Ellipsize(string(data)))
		return
	}

	switch env.Action {
	case protocol.ActionCreateUDP:
		h.createUDPChannel(tp)
	case protocol.ActionUpdateUser:
		h.updateUser(tp, env.Data)
	case protocol.ActionUpdateStatus:
		h.updateStatus(tp, env.Data)
	case protocol.ActionListClients:
		h.listClients(tp)
	case protocol.ActionBroadcast:
		// The original framed bytes go out unchanged.
		h.fanOutReliable(tp, data)
	default:
		util.LogDebug("client %d: no handling for action %q, dropping", tp.ID(), env.Action)
	}
}

// onDatagram fans an inbound datagram out to the sender's scene peers.
func (h *Hub) onDatagram(tp *Transport, data []byte) {
	for _, peer := range h.scenePeers(tp) {
		if err := peer.SendUnreliable(data); err != nil {
			util.LogDebug("client %d: datagram fan-out to %d: %v", tp.ID(), peer.ID(), err)
			continue
		}
		util.Stats.AddPacket(len(data))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Control actions
// ─────────────────────────────────────────────────────────────────────────────

// createUDPChannel allocates a bound UDP socket for tp and reports the
// port back on the reliable channel. A Transport that already has a
// datagram channel keeps it; the request is dropped. On port exhaustion
// the reply is omitted and the client may retry.
func (h *Hub) createUDPChannel(tp *Transport) {
	if tp.HasDatagram() {
		util.LogWarning("client %d: datagram channel exists already, ignoring request", tp.ID())
		return
	}
	conn, port, err := h.ports.Bind()
	if err != nil {
		util.LogError("client %d: %v", tp.ID(), err)
		return
	}
	if !tp.AttachDatagram(conn) {
		// Lost a race with a duplicate request.
		conn.Close()
		return
	}
	util.LogInfo("client %d: datagram channel on port %d", tp.ID(), port)

	reply := protocol.Envelope{
		Action: protocol.ActionCreateUDP,
		Data:   strconv.Itoa(port),
	}
	if err := tp.SendReliable(reply.Encode()); err != nil {
		util.LogWarning("client %d: udp reply: %v", tp.ID(), err)
	}
}

// updateUser merges posted identity fields into tp's profile.
func (h *Hub) updateUser(tp *Transport, data string) {
	if err := tp.UpdateUser(data); err != nil {
		util.LogWarning("client %d: update_user: %v", tp.ID(), err)
	}
}

// updateStatus merges posted status fields into tp's profile, then
// synthesizes a rider_status_update — the posted status plus the sender's
// remembered identity — and fans it out to scene peers.
func (h *Hub) updateStatus(tp *Transport, data string) {
	if err := tp.UpdateStatus(data); err != nil {
		util.LogWarning("client %d: update_status: %v", tp.ID(), err)
		return
	}

	// Decode into a generic map so extra fields a client posts survive
	// the round trip.
	var combined map[string]any
	if err := json.Unmarshal([]byte(data), &combined); err != nil {
		util.LogWarning("client %d: update_status: %v", tp.ID(), err)
		return
	}
	profile := tp.Profile()
	combined["user_id"] = profile.UserID
	combined["user_name"] = profile.UserName
	combined["user_domain"] = profile.UserDomain

	info, err := json.Marshal(combined)
	if err != nil {
		util.LogWarning("client %d: update_status: %v", tp.ID(), err)
		return
	}
	update := protocol.Envelope{
		Action: protocol.ActionRiderStatus,
		Data:   string(info),
	}
	h.fanOutReliable(tp, update.Encode())
}

// listClients replies to tp with the registry roster: one line per client
// in insertion order, "<id>, <json-of-profile>\n".
func (h *Hub) listClients(tp *Transport) {
	var sb strings.Builder
	for _, info := range h.Roster() {
		profile, _ := json.Marshal(info.Profile)
		fmt.Fprintf(&sb, "%d, %s\n", info.ID, profile)
	}
	reply := protocol.Envelope{
		Action: protocol.ActionListClients,
		Data:   sb.String(),
	}
	if err := tp.SendReliable(reply.Encode()); err != nil {
		util.LogWarning("client %d: list_clients reply: %v", tp.ID(), err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fan-out
// ─────────────────────────────────────────────────────────────────────────────

// scenePeers snapshots every live Transport sharing the sender's scene,
// excluding the sender itself. Scene ids compare byte-for-byte, so
// unassigned clients ("-1") form a scope of their own.
func (h *Hub) scenePeers(sender *Transport) []*Transport {
	scene := sender.SceneID()
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*Transport, 0, len(h.clients))
	for _, c := range h.clients {
		if c != sender && c.SceneID() == scene {
			peers = append(peers, c)
		}
	}
	return peers
}

// fanOutReliable delivers payload on the reliable channel of every scene
// peer. A failing recipient is logged and skipped; it closes only itself.
func (h *Hub) fanOutReliable(sender *Transport, payload []byte) {
	for _, peer := range h.scenePeers(sender) {
		if err := peer.SendReliable(payload); err != nil {
			util.LogWarning("client %d: fan-out to %d: %v", sender.ID(), peer.ID(), err)
			continue
		}
		util.Stats.AddFrame(len(payload))
	}
}
