package bundle

import (
	"sync"
	"sync/atomic"

	"github.com/asherkin/mediabundle/engine"
)

// connGuard is the shared-ownership core of one per-peer session. It is
// held by the Conn facade and by every source group derived from it, keeps
// the Transport alive through its back-reference, and deregisters the
// session exactly once when the last holder releases it.
//
// The count-to-zero transition is the single removal trigger; there is no
// separate "removed" flag that concurrent releases could race on.
type connGuard struct {
	transport *Transport
	username  string
	session   engine.SessionHandle
	refs      atomic.Int32
}

func (g *connGuard) engine() engine.Engine {
	return g.transport.eng
}

func (g *connGuard) acquire() {
	g.refs.Add(1)
}

func (g *connGuard) release() {
	if g.refs.Add(-1) != 0 {
		return
	}
	g.transport.removeConnection(g.username)
}

// Conn is the public handle for one peer's ICE/DTLS session on the bundle
// transport. Closing the Conn does not tear the session down while source
// groups created from it are still alive.
type Conn struct {
	guard *connGuard

	mu     sync.Mutex
	bridge *listenerBridge
	closed bool
}

// Username returns the ICE username the connection was created with.
func (c *Conn) Username() string {
	return c.guard.username
}

// SetListener installs listener as the receiver of this connection's
// transport events, replacing any previously installed one. The swap is
// atomic from the engine's perspective: the old listener receives no
// callback once SetListener returns. Passing nil clears the slot; after the
// call returns no further callback for this connection will be delivered.
func (c *Conn) SetListener(listener ConnListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if listener == nil {
		c.guard.engine().SetListener(c.guard.session, nil)
		c.bridge = nil
		return
	}

	bridge := &listenerBridge{listener: listener}
	c.guard.engine().SetListener(c.guard.session, bridge)
	// The previous bridge is dropped only after the engine swap returned,
	// so there is no window where a callback finds no registered slot.
	c.bridge = bridge
}

// SetRemoteProperties merges negotiated remote parameters (DTLS setup role,
// fingerprint, ...) into the session.
func (c *Conn) SetRemoteProperties(props *engine.Properties) {
	c.guard.engine().SetRemoteProperties(c.guard.session, props)
}

// SetLocalProperties merges local parameters into the session.
func (c *Conn) SetLocalProperties(props *engine.Properties) {
	c.guard.engine().SetLocalProperties(c.guard.session, props)
}

// AddRemoteCandidate injects a remote host candidate into the session.
func (c *Conn) AddRemoteCandidate(ip string, port int) error {
	return c.guard.engine().AddRemoteCandidate(c.guard.username, ip, port)
}

// AddIncomingSourceGroup allocates and registers receive state for one
// incoming media stream. The returned group shares ownership of the
// underlying session and keeps it alive even if the Conn itself is closed.
func (c *Conn) AddIncomingSourceGroup(kind engine.MediaKind, mid, rid string, mediaSSRC, rtxSSRC uint32) (*IncomingSourceGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, NewRegistrationError("incoming", mid, mediaSSRC, errConnClosed)
	}

	spec := engine.SourceGroupSpec{
		Kind:      kind,
		MID:       mid,
		RID:       rid,
		MediaSSRC: mediaSSRC,
		RTXSSRC:   rtxSSRC,
	}
	handle, err := c.guard.engine().AddIncoming(c.guard.session, spec)
	if err != nil {
		return nil, NewRegistrationError("incoming", mid, mediaSSRC, err)
	}

	c.guard.acquire()
	group := &IncomingSourceGroup{sourceGroup{
		guard:  c.guard,
		handle: handle,
		spec:   spec,
	}}
	group.refs.Store(1)
	return group, nil
}

// AddOutgoingSourceGroup allocates and registers send state for one outgoing
// media stream, symmetric to AddIncomingSourceGroup.
func (c *Conn) AddOutgoingSourceGroup(kind engine.MediaKind, mid string, mediaSSRC, rtxSSRC uint32) (*OutgoingSourceGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, NewRegistrationError("outgoing", mid, mediaSSRC, errConnClosed)
	}

	spec := engine.SourceGroupSpec{
		Kind:      kind,
		MID:       mid,
		MediaSSRC: mediaSSRC,
		RTXSSRC:   rtxSSRC,
	}
	handle, err := c.guard.engine().AddOutgoing(c.guard.session, spec)
	if err != nil {
		return nil, NewRegistrationError("outgoing", mid, mediaSSRC, err)
	}

	c.guard.acquire()
	group := &OutgoingSourceGroup{sourceGroup{
		guard:  c.guard,
		handle: handle,
		spec:   spec,
	}}
	group.refs.Store(1)
	return group, nil
}

// Close releases the facade's reference on the session. The listener slot is
// cleared first, so no callback can be delivered to a listener whose owner
// considers the connection gone. The session itself is removed from the
// transport only when the last source group derived from it is closed too.
// Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.bridge != nil {
		// Clearing must happen-before the guard release below: once the
		// session is deregistered the listener owner is free to go away.
		c.guard.engine().SetListener(c.guard.session, nil)
		c.bridge = nil
	}
	c.mu.Unlock()

	c.guard.release()
	return nil
}
