package relay

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/attolabs/scenecomm/internal/client"
	"github.com/attolabs/scenecomm/internal/protocol"
)

const waitTimeout = 3 * time.Second

// startHub brings up a Hub on an ephemeral loopback port and returns it
// with the port clients should dial.
func startHub(t *testing.T) (*Hub, int) {
	t.Helper()
	h := NewHub("127.0.0.1:0", NewPortAllocator(47901, 47950))
	if err := h.Start(); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(h.Stop)
	return h, h.Addr().(*net.TCPAddr).Port
}

// testPeer is a connected client with its inbound traffic exposed as
// channels.
type testPeer struct {
	cl       *client.Client
	msgs     chan *protocol.Envelope
	dgrams   chan []byte
	udpReady chan int
}

// dialPeer connects a client to the relay and consumes the welcome
// envelope so tests start from a quiet channel.
func dialPeer(t *testing.T, port int) *testPeer {
	t.Helper()
	p := &testPeer{
		msgs:     make(chan *protocol.Envelope, 16),
		dgrams:   make(chan []byte, 16),
		udpReady: make(chan int, 1),
	}
	p.cl = client.New("127.0.0.1", port, client.Callbacks{
		OnMessage:  func(env *protocol.Envelope) { p.msgs <- env },
		OnDatagram: func(data []byte) { p.dgrams <- data },
		OnUDPReady: func(port int) { p.udpReady <- port },
	})
	if err := p.cl.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(p.cl.Close)

	if env := p.recv(t); env.Action != protocol.ActionWelcome {
		t.Fatalf("first envelope: got %q, want %q", env.Action, protocol.ActionWelcome)
	}
	return p
}

func (p *testPeer) recv(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-p.msgs:
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

func (p *testPeer) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case env := <-p.msgs:
		t.Fatalf("unexpected envelope: [%s] %s", env.Action, env.Data)
	case <-time.After(300 * time.Millisecond):
	}
}

// join posts identity and scene for p and waits until the hub's registry
// reflects the scene, so subsequent fan-outs see the membership.
func join(t *testing.T, h *Hub, p *testPeer, userID, scene string) {
	t.Helper()
	if err := p.cl.UpdateUser(protocol.UserInfo{UserID: userID, UserName: userID, UserDomain: "test"}); err != nil {
		t.Fatalf("update_user: %v", err)
	}
	if err := p.cl.UpdateStatus(protocol.StatusInfo{SceneID: scene, ScenePos: "0", Speed: "0"}); err != nil {
		t.Fatalf("update_status: %v", err)
	}
	waitFor(t, func() bool {
		for _, info := range h.Roster() {
			if info.Profile.UserID == userID && info.Profile.SceneID == scene {
				return true
			}
		}
		return false
	}, fmt.Sprintf("%s to appear in scene %s", userID, scene))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainStatus discards the rider_status_update envelopes that joining
// peers in the same scene generate.
func drainStatus(t *testing.T, peers ...*testPeer) {
	t.Helper()
	for _, p := range peers {
		draining := true
		for draining {
			select {
			case env := <-p.msgs:
				if env.Action != protocol.ActionRiderStatus {
					t.Fatalf("unexpected envelope while draining: [%s] %s", env.Action, env.Data)
				}
			case <-time.After(200 * time.Millisecond):
				draining = false
			}
		}
	}
}

// TestHubBroadcastSceneScoped verifies that a broadcast reaches every
// client in the sender's scene, unchanged, and nobody else — the sender
// included.
func TestHubBroadcastSceneScoped(t *testing.T) {
	h, port := startHub(t)

	sender := dialPeer(t, port)
	peer := dialPeer(t, port)
	outsider := dialPeer(t, port)
	join(t, h, sender, "alice", "7")
	join(t, h, peer, "bob", "7")
	join(t, h, outsider, "carol", "8")
	drainStatus(t, sender, peer, outsider)

	if err := sender.cl.Broadcast("totcp:hello riders"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	env := peer.recv(t)
	if env.Action != protocol.ActionBroadcast {
		t.Fatalf("action: got %q, want %q", env.Action, protocol.ActionBroadcast)
	}
	if env.Data != "totcp:hello riders" {
		t.Fatalf("data: got %q, want %q", env.Data, "totcp:hello riders")
	}

	sender.expectSilence(t)
	outsider.expectSilence(t)
}

// TestHubRiderStatusUpdate verifies the synthesized status fan-out: the
// posted status fields plus the sender's remembered identity, delivered
// to scene peers only.
func TestHubRiderStatusUpdate(t *testing.T) {
	h, port := startHub(t)

	sender := dialPeer(t, port)
	peer := dialPeer(t, port)
	join(t, h, sender, "alice", "7")
	join(t, h, peer, "bob", "7")
	drainStatus(t, sender, peer)

	if err := sender.cl.UpdateStatus(protocol.StatusInfo{SceneID: "7", ScenePos: "42", Speed: "31"}); err != nil {
		t.Fatalf("update_status: %v", err)
	}

	env := peer.recv(t)
	if env.Action != protocol.ActionRiderStatus {
		t.Fatalf("action: got %q, want %q", env.Action, protocol.ActionRiderStatus)
	}
	for _, want := range []string{
		`"user_id":"alice"`,
		`"user_name":"alice"`,
		`"user_domain":"test"`,
		`"scene_id":"7"`,
		`"scene_pos":"42"`,
		`"speed":"31"`,
	} {
		if !strings.Contains(env.Data, want) {
			t.Errorf("status update missing %s: %s", want, env.Data)
		}
	}
	sender.expectSilence(t)
}

// TestHubListClients verifies the roster reply: one line per client in
// connection order, id then the serialized profile.
func TestHubListClients(t *testing.T) {
	h, port := startHub(t)

	first := dialPeer(t, port)
	second := dialPeer(t, port)
	join(t, h, first, "alice", "7")
	join(t, h, second, "bob", "8")

	if err := first.cl.ListClients(); err != nil {
		t.Fatalf("list_clients: %v", err)
	}
	env := first.recv(t)
	if env.Action != protocol.ActionListClients {
		t.Fatalf("action: got %q, want %q", env.Action, protocol.ActionListClients)
	}

	lines := strings.Split(strings.TrimRight(env.Data, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("roster lines: got %d, want 2\n%s", len(lines), env.Data)
	}
	if !strings.HasPrefix(lines[0], "1, ") || !strings.Contains(lines[0], `"user_id":"alice"`) {
		t.Errorf("line 1 wrong: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2, ") || !strings.Contains(lines[1], `"user_id":"bob"`) {
		t.Errorf("line 2 wrong: %s", lines[1])
	}
}

// TestHubDatagramRelay verifies the full datagram path: channel creation,
// address learning via the probe, and scene-scoped fan-out.
func TestHubDatagramRelay(t *testing.T) {
	h, port := startHub(t)

	sender := dialPeer(t, port)
	peer := dialPeer(t, port)
	outsider := dialPeer(t, port)
	join(t, h, sender, "alice", "7")
	join(t, h, peer, "bob", "7")
	join(t, h, outsider, "carol", "8")

	for _, p := range []*testPeer{sender, peer, outsider} {
		if err := p.cl.RequestUDPChannel(); err != nil {
			t.Fatalf("request udp channel: %v", err)
		}
		select {
		case udpPort := <-p.udpReady:
			if udpPort < 47901 || udpPort > 47950 {
				t.Fatalf("relay port %d outside the allocator range", udpPort)
			}
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for the datagram channel")
		}
	}

	// The probe races the first application datagram; retry until the
	// relay has learned everyone's return address.
	deadline := time.Now().Add(waitTimeout)
	for {
		if err := sender.cl.SendDatagram([]byte("toudp:pos 42")); err != nil {
			t.Fatalf("send datagram: %v", err)
		}
		select {
		case data := <-peer.dgrams:
			if string(data) != "toudp:pos 42" {
				t.Fatalf("datagram payload: got %q", data)
			}
			goto delivered
		case <-time.After(100 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("datagram never reached the scene peer")
			}
		}
	}
delivered:

	select {
	case data := <-outsider.dgrams:
		t.Fatalf("datagram crossed scenes: %q", data)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestHubDisconnectRemovesClient verifies that a vanished client leaves
// the registry and stops receiving fan-out.
func TestHubDisconnectRemovesClient(t *testing.T) {
	h, port := startHub(t)

	stayer := dialPeer(t, port)
	leaver := dialPeer(t, port)
	join(t, h, stayer, "alice", "7")
	join(t, h, leaver, "bob", "7")
	drainStatus(t, stayer, leaver)

	leaver.cl.Close()
	waitFor(t, func() bool { return h.ClientCount() == 1 }, "registry to drop the closed client")

	if err := stayer.cl.Broadcast("still here"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	stayer.expectSilence(t)
}

// TestHubUnknownActionKeepsConnection verifies that an unrecognized or
// malformed envelope is dropped without closing the client.
func TestHubUnknownActionKeepsConnection(t *testing.T) {
	h, port := startHub(t)

	p := dialPeer(t, port)
	join(t, h, p, "alice", "7")

	if err := p.cl.SendData("just passing through"); err != nil {
		t.Fatalf("send data: %v", err)
	}

	// The connection must survive to answer a roster request.
	if err := p.cl.ListClients(); err != nil {
		t.Fatalf("list_clients: %v", err)
	}
	if env := p.recv(t); env.Action != protocol.ActionListClients {
		t.Fatalf("action: got %q, want %q", env.Action, protocol.ActionListClients)
	}
}

// TestHubDuplicateUDPRequestIgnored verifies that a second channel
// request leaves the existing channel untouched and sends no reply.
func TestHubDuplicateUDPRequestIgnored(t *testing.T) {
	h, port := startHub(t)

	p := dialPeer(t, port)
	join(t, h, p, "alice", "7")

	if err := p.cl.RequestUDPChannel(); err != nil {
		t.Fatalf("request udp channel: %v", err)
	}
	select {
	case <-p.udpReady:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the datagram channel")
	}

	if err := p.cl.RequestUDPChannel(); err != nil {
		t.Fatalf("second request: %v", err)
	}
	select {
	case port := <-p.udpReady:
		t.Fatalf("relay answered a duplicate request with port %d", port)
	case <-time.After(300 * time.Millisecond):
	}
}
