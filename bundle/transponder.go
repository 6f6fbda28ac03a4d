package bundle

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var errTransponderClosed = errors.New("transponder is closed")

// StreamTransponder relays a replaceable incoming source group into one
// fixed outgoing source group. Separating the two lets an outbound media
// leg survive upstream source switches (simulcast layer selection, active
// speaker switching) without renegotiating its SSRC or mid with the remote
// peer.
//
// A transponder is either unbound (no relay) or bound to exactly one
// incoming group. SetIncoming calls are serialized against each other; the
// caller must serialize externally if cross-call ordering matters.
type StreamTransponder struct {
	outgoing *OutgoingSourceGroup

	mu       sync.Mutex
	incoming *IncomingSourceGroup
	closed   bool
}

// Incoming returns the currently bound incoming source group, or nil if the
// transponder is unbound.
func (t *StreamTransponder) Incoming() *IncomingSourceGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.incoming
}

// SetIncoming binds incoming as the relay source, replacing any previous
// binding. Passing nil unbinds without touching the outgoing group. After
// the call returns, subsequent relay uses the new source. On error the
// previous binding stays in effect.
func (t *StreamTransponder) SetIncoming(incoming *IncomingSourceGroup) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return NewRelayBindError(errTransponderClosed)
	}

	eng := t.outgoing.guard.engine()

	if incoming == nil {
		if t.incoming == nil {
			return nil
		}
		if err := eng.UnbindRelay(t.outgoing.handle); err != nil {
			return NewRelayBindError(err)
		}
		t.incoming.release()
		t.incoming = nil
		return nil
	}

	if err := eng.BindRelay(t.outgoing.handle, incoming.handle); err != nil {
		return NewRelayBindError(err)
	}

	// Reference the new source before letting go of the old one so the
	// engine never relays from a group that has already been deregistered.
	incoming.acquire()
	if t.incoming != nil {
		t.incoming.release()
	}
	t.incoming = incoming
	return nil
}

// Close stops the relay (if bound) and releases the incoming and outgoing
// group references. The outgoing group itself is never destroyed by this;
// its own facade decides its lifetime. Idempotent.
func (t *StreamTransponder) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	if t.incoming != nil {
		if err := t.outgoing.guard.engine().UnbindRelay(t.outgoing.handle); err != nil {
			log.Warnf("failed to unbind relay for outgoing ssrc %d: %v", t.outgoing.spec.MediaSSRC, err)
		}
		t.incoming.release()
		t.incoming = nil
	}
	t.mu.Unlock()

	t.outgoing.release()
	return nil
}
