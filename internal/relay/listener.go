package relay

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/attolabs/scenecomm/internal/util"
)

// acceptPoll is the deadline applied to Accept so the loop can observe
// Stop within one interval.
const acceptPoll = time.Second

// Listener accepts reliable connections and hands each one to the Hub.
type Listener struct {
	addr    string
	onConn  func(net.Conn)
	ln      *net.TCPListener
	running atomic.Bool
}

// NewListener creates a listener for addr. Nothing is bound until Start.
func NewListener(addr string, onConn func(net.Conn)) *Listener {
	return &Listener{addr: addr, onConn: onConn}
}

// Start binds the listening socket and launches the accept loop.
func (l *Listener) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	l.ln = ln
	l.running.Store(true)
	util.LogInfo("TCP listening at %s", ln.Addr())

	go l.acceptLoop()
	return nil
}

// Addr returns the bound address (useful when the configured port is 0).
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Stop exits the accept loop and closes the listening socket.
func (l *Listener) Stop() {
	util.LogInfo("stopping listener")
	l.running.Store(false)
	if l.ln != nil {
		l.ln.Close()
	}
}

// acceptLoop accepts connections until Stop. Deadline expiries are the
// poll heartbeat, not errors.
func (l *Listener) acceptLoop() {
	for l.running.Load() {
		l.ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := l.ln.Accept()
		if err != nil {
			if isAcceptTimeout(err) {
				continue
			}
			if l.running.Load() {
				util.LogError("accept: %v", err)
			}
			return
		}
		util.LogInfo("accepted connection from %s", conn.RemoteAddr())
		l.onConn(conn)
	}
}

func isAcceptTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
