// Package bundle manages the lifecycle of a multiplexed RTP bundle
// transport: one shared socket carrying many per-peer ICE/DTLS sessions,
// each with dynamically relayed incoming and outgoing source groups.
//
// The package only wires identities and ownership together; all packet I/O,
// handshakes and timers live in the engine.Engine collaborator.
package bundle

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/asherkin/mediabundle/engine"
)

var errTransportClosed = errors.New("transport is closed")

// Transport owns the shared transport socket and the set of active
// connections keyed by ICE username. It is the factory for Conn handles.
//
// The socket outlives every connection derived from it: each connection
// guard holds a reference on the Transport, and the engine socket is only
// released once Close has been called and the last connection is gone.
type Transport struct {
	eng       engine.Engine
	localPort int

	mu     sync.Mutex
	conns  map[string]*connGuard
	closed bool

	// refs counts the creator's handle plus one per live connection guard.
	refs atomic.Int32
}

// NewTransport binds the shared socket via the engine and returns a ready
// transport. Port 0 selects an ephemeral port. A failed bind leaves no
// state behind.
func NewTransport(eng engine.Engine, port int) (*Transport, error) {
	localPort, err := eng.Bind(port)
	if err != nil {
		return nil, NewBindError(port, err)
	}

	t := &Transport{
		eng:       eng,
		localPort: localPort,
		conns:     make(map[string]*connGuard),
	}
	t.refs.Store(1)

	log.Debugf("bundle transport bound on port %d", localPort)
	return t, nil
}

// LocalPort returns the bound port of the shared socket.
func (t *Transport) LocalPort() int {
	return t.localPort
}

// AddConnection creates a per-peer ICE/DTLS session keyed by username and
// returns its facade. The facade, and every source group later derived from
// it, shares ownership of the underlying session; the session is removed
// from the transport when the last of them is closed.
func (t *Transport) AddConnection(username string, props *engine.Properties) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, NewSessionCreationError(username, errTransportClosed)
	}
	if _, ok := t.conns[username]; ok {
		return nil, NewDuplicateUsernameError(username)
	}

	session, err := t.eng.AddSession(username, props)
	if err != nil {
		return nil, NewSessionCreationError(username, err)
	}

	guard := &connGuard{
		transport: t,
		username:  username,
		session:   session,
	}
	guard.refs.Store(1)
	t.conns[username] = guard
	t.acquire()

	log.Debugf("added connection %s to bundle transport", username)
	return &Conn{guard: guard}, nil
}

// removeConnection deregisters a session from the engine. It is invoked by
// the owning guard's last release, never by application code directly.
func (t *Transport) removeConnection(username string) {
	t.mu.Lock()
	delete(t.conns, username)
	t.mu.Unlock()

	if err := t.eng.RemoveSession(username); err != nil {
		log.Warnf("failed to remove session %s from engine: %v", username, err)
	}

	log.Debugf("removed connection %s from bundle transport", username)
	t.release()
}

// Close releases the creator's reference on the transport. The engine socket
// stays open until every connection and source group derived from this
// transport has been closed as well. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.release()
	return nil
}

func (t *Transport) acquire() {
	t.refs.Add(1)
}

func (t *Transport) release() {
	if t.refs.Add(-1) != 0 {
		return
	}

	if err := t.eng.Close(); err != nil {
		log.Warnf("failed to close media engine: %v", err)
	}
	log.Debugf("bundle transport on port %d released", t.localPort)
}
