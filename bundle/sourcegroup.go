package bundle

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/asherkin/mediabundle/engine"
)

var (
	errConnClosed  = errors.New("connection is closed")
	errGroupClosed = errors.New("source group is closed")
)

// sourceGroup is the shared state of the incoming and outgoing facades. It
// holds a reference on the connection guard (keeping the session, and
// transitively the transport, alive) and deregisters its engine state on
// last release, strictly before that guard reference is dropped.
type sourceGroup struct {
	guard  *connGuard
	handle engine.GroupHandle
	spec   engine.SourceGroupSpec

	// refs counts the facade owner plus one per transponder binding.
	refs   atomic.Int32
	closed atomic.Bool
}

// Spec returns the identifiers the group was registered with.
func (g *sourceGroup) Spec() engine.SourceGroupSpec {
	return g.spec
}

func (g *sourceGroup) acquire() {
	g.refs.Add(1)
}

// IncomingSourceGroup is the receive state of one media stream.
type IncomingSourceGroup struct {
	sourceGroup
}

func (g *IncomingSourceGroup) release() {
	if g.refs.Add(-1) != 0 {
		return
	}
	if err := g.guard.engine().RemoveIncoming(g.handle); err != nil {
		log.Warnf("failed to deregister incoming source group (ssrc: %d): %v", g.spec.MediaSSRC, err)
	}
	g.guard.release()
}

// Close releases the facade's reference. The engine receive state is
// deregistered once no transponder references the group anymore, and only
// then is the owning connection released. Idempotent.
func (g *IncomingSourceGroup) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.release()
	return nil
}

// OutgoingSourceGroup is the send state of one media stream.
type OutgoingSourceGroup struct {
	sourceGroup
}

func (g *OutgoingSourceGroup) release() {
	if g.refs.Add(-1) != 0 {
		return
	}
	if err := g.guard.engine().RemoveOutgoing(g.handle); err != nil {
		log.Warnf("failed to deregister outgoing source group (ssrc: %d): %v", g.spec.MediaSSRC, err)
	}
	g.guard.release()
}

// Close releases the facade's reference, symmetric to
// IncomingSourceGroup.Close. Idempotent.
func (g *OutgoingSourceGroup) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.release()
	return nil
}

// AddTransponder creates a transponder that sends this group's stream,
// initially with no incoming source bound. The transponder holds its own
// reference on the group, so closing the facade does not stop the outgoing
// leg while a transponder still uses it.
func (g *OutgoingSourceGroup) AddTransponder() (*StreamTransponder, error) {
	if g.closed.Load() {
		return nil, errGroupClosed
	}

	g.acquire()
	return &StreamTransponder{outgoing: g}, nil
}
