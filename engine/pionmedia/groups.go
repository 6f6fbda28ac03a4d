package pionmedia

import (
	"sync"

	"github.com/pion/rtp"
	log "github.com/sirupsen/logrus"

	"github.com/asherkin/mediabundle/engine"
)

// incomingGroup is the receive state of one media stream. Once the session's
// SRTP context is up it pumps decrypted packets to every outgoing group
// currently relaying from it.
type incomingGroup struct {
	sess *session
	spec engine.SourceGroupSpec
	log  *log.Entry

	mu    sync.RWMutex
	sinks map[*outgoingGroup]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func (g *incomingGroup) run() {
	select {
	case <-g.closed:
		return
	case <-g.sess.ctx.Done():
		return
	case <-g.sess.srtpReady:
	}

	srtpSession := g.sess.srtpSession()
	if srtpSession == nil {
		return
	}

	stream, err := srtpSession.OpenReadStream(g.spec.MediaSSRC)
	if err != nil {
		g.log.Warnf("failed to open srtp read stream: %v", err)
		return
	}

	go func() {
		select {
		case <-g.closed:
		case <-g.sess.ctx.Done():
		}
		if err := stream.Close(); err != nil {
			g.log.Debugf("failed to close srtp read stream: %v", err)
		}
	}()

	buf := make([]byte, receiveMTU)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			return
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			g.log.Debugf("failed to parse rtp packet: %v", err)
			continue
		}
		g.forward(packet)
	}
}

func (g *incomingGroup) forward(packet *rtp.Packet) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for sink := range g.sinks {
		sink.relay(packet)
	}
}

func (g *incomingGroup) addSink(sink *outgoingGroup) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks[sink] = struct{}{}
}

func (g *incomingGroup) removeSink(sink *outgoingGroup) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sinks, sink)
}

func (g *incomingGroup) close() {
	g.closeOnce.Do(func() {
		close(g.closed)
	})
}

// outgoingGroup is the send state of one media stream. Relayed packets are
// rewritten to its SSRC with a contiguous sequence number range before
// encryption.
type outgoingGroup struct {
	sess *session
	spec engine.SourceGroupSpec
	log  *log.Entry

	mu     sync.Mutex
	source *incomingGroup
	seq    sequenceMapper
}

// relay is called from the source group's read pump, possibly on a
// different session than our own.
func (o *outgoingGroup) relay(packet *rtp.Packet) {
	writer := o.sess.srtpWriter()
	if writer == nil {
		// Our leg is not connected yet; relay resumes once it is.
		return
	}

	o.mu.Lock()
	header := packet.Header
	header.SSRC = o.spec.MediaSSRC
	header.SequenceNumber = o.seq.next(header.SequenceNumber)
	o.mu.Unlock()

	if _, err := writer.WriteRTP(&header, packet.Payload); err != nil {
		o.log.Debugf("failed to relay rtp packet: %v", err)
	}
}

// bindSource re-targets the relay at source, detaching from the previous
// one. A nil source unbinds.
func (o *outgoingGroup) bindSource(source *incomingGroup) {
	o.mu.Lock()
	old := o.source
	o.source = source
	if source != old {
		o.seq.switchSource()
	}
	o.mu.Unlock()

	if old != nil && old != source {
		old.removeSink(o)
	}
	if source != nil && source != old {
		source.addSink(o)
	}
}

// dropSource detaches from a source that is being removed, without touching
// the source's sink set (the caller is already tearing it down).
func (o *outgoingGroup) dropSource(source *incomingGroup) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.source == source {
		o.source = nil
	}
}

// sequenceMapper keeps the outgoing sequence number range contiguous across
// source switches, so the receiver never observes the gap between two
// upstream streams' counters.
type sequenceMapper struct {
	offset  uint16
	highest uint16
	started bool
	resync  bool
}

func (m *sequenceMapper) switchSource() {
	m.resync = true
}

func (m *sequenceMapper) next(in uint16) uint16 {
	if m.resync {
		if m.started {
			m.offset = m.highest + 1 - in
		}
		m.resync = false
	}

	out := in + m.offset
	m.highest = out
	m.started = true
	return out
}
