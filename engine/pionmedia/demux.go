package pionmedia

import (
	"errors"
	"net"
	"time"

	"github.com/pion/transport/v3/packetio"
	log "github.com/sirupsen/logrus"
)

// packetDemux splits the single ICE connection of a session into the DTLS,
// SRTP and SRTCP packet flows sharing it, using the first-byte ranges from
// RFC 7983. STUN is consumed by the ICE agent before packets reach us, so
// anything outside the known ranges is dropped.
type packetDemux struct {
	conn net.Conn

	dtls *demuxEndpoint
	rtp  *demuxEndpoint
	rtcp *demuxEndpoint
}

func newPacketDemux(conn net.Conn) *packetDemux {
	d := &packetDemux{conn: conn}
	d.dtls = newDemuxEndpoint(d)
	d.rtp = newDemuxEndpoint(d)
	d.rtcp = newDemuxEndpoint(d)
	go d.readLoop()
	return d
}

func (d *packetDemux) DTLS() net.Conn { return d.dtls }
func (d *packetDemux) RTP() net.Conn  { return d.rtp }
func (d *packetDemux) RTCP() net.Conn { return d.rtcp }

func (d *packetDemux) readLoop() {
	buf := make([]byte, receiveMTU)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			d.close()
			return
		}
		if n == 0 {
			continue
		}

		endpoint := d.classify(buf[:n])
		if endpoint == nil {
			log.Tracef("dropping unclassifiable packet (first byte %d)", buf[0])
			continue
		}

		if _, err := endpoint.buffer.Write(buf[:n]); err != nil && !errors.Is(err, packetio.ErrFull) {
			d.close()
			return
		}
	}
}

func (d *packetDemux) classify(packet []byte) *demuxEndpoint {
	switch b := packet[0]; {
	case b >= 20 && b <= 63:
		return d.dtls
	case b >= 128 && b <= 191:
		// RTCP packet types occupy 192..223 in the second byte, leaving the
		// marker-bit/payload-type combinations to RTP.
		if len(packet) >= 2 && packet[1] >= 192 && packet[1] <= 223 {
			return d.rtcp
		}
		return d.rtp
	default:
		return nil
	}
}

func (d *packetDemux) close() {
	for _, endpoint := range []*demuxEndpoint{d.dtls, d.rtp, d.rtcp} {
		if err := endpoint.buffer.Close(); err != nil {
			log.Debugf("failed to close demux endpoint: %v", err)
		}
	}
}

// demuxEndpoint presents one demultiplexed flow as a net.Conn. Reads come
// from the demux read loop through a packet buffer, writes go straight to
// the shared connection.
type demuxEndpoint struct {
	mux    *packetDemux
	buffer *packetio.Buffer
}

func newDemuxEndpoint(mux *packetDemux) *demuxEndpoint {
	return &demuxEndpoint{
		mux:    mux,
		buffer: packetio.NewBuffer(),
	}
}

func (e *demuxEndpoint) Read(p []byte) (int, error) {
	return e.buffer.Read(p)
}

func (e *demuxEndpoint) Write(p []byte) (int, error) {
	return e.mux.conn.Write(p)
}

func (e *demuxEndpoint) Close() error {
	return e.buffer.Close()
}

func (e *demuxEndpoint) LocalAddr() net.Addr {
	return e.mux.conn.LocalAddr()
}

func (e *demuxEndpoint) RemoteAddr() net.Addr {
	return e.mux.conn.RemoteAddr()
}

func (e *demuxEndpoint) SetDeadline(t time.Time) error {
	return e.buffer.SetReadDeadline(t)
}

func (e *demuxEndpoint) SetReadDeadline(t time.Time) error {
	return e.buffer.SetReadDeadline(t)
}

func (e *demuxEndpoint) SetWriteDeadline(time.Time) error {
	return nil
}
