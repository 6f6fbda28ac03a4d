package pionmedia

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/pion/ice/v4"
	"github.com/pion/rtcp"
	"github.com/pion/srtp/v3"
	log "github.com/sirupsen/logrus"

	"github.com/asherkin/mediabundle/engine"
)

// session is one peer's ICE/DTLS leg on the shared socket. Its run goroutine
// answers the ICE connectivity checks, performs the DTLS handshake and keys
// the SRTP context; everything else reacts to that becoming ready.
type session struct {
	eng      *Engine
	id       string
	username string
	cfg      sessionConfig
	props    *engine.Properties

	agent  *ice.Agent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// listenerMu serializes listener replacement with callback delivery:
	// once SetListener returns, no callback to the previous listener is
	// still in flight.
	listenerMu sync.Mutex
	listener   engine.SessionListener

	mu         sync.Mutex
	demux      *packetDemux
	srtp       *srtp.SessionSRTP
	srtcp      *srtp.SessionSRTCP
	rtpWriter  *srtp.WriteStreamSRTP
	rtcpWriter *srtp.WriteStreamSRTCP
	incoming   map[uint32]*incomingGroup
	outgoing   map[uint32]*outgoingGroup

	srtpReady chan struct{}
	readyOnce sync.Once

	log *log.Entry
}

func (s *session) setListener(listener engine.SessionListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = listener
}

func (s *session) notifyICETimeout() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		s.listener.OnICETimeout()
	}
}

func (s *session) notifyDTLSState(state engine.DTLSState) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		s.listener.OnDTLSStateChanged(state)
	}
}

func (s *session) notifyCandidateActivated(ip string, port int, priority uint32) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		s.listener.OnRemoteICECandidateActivated(ip, port, priority)
	}
}

func (s *session) run() {
	defer close(s.done)

	conn, err := s.agent.Accept(s.ctx, s.cfg.remoteUfrag, s.cfg.remotePwd)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warnf("ice accept failed: %v", err)
		}
		return
	}

	s.notifyDTLSState(engine.DTLSStateConnecting)

	demux := newPacketDemux(conn)
	s.mu.Lock()
	s.demux = demux
	s.mu.Unlock()

	dtlsConn, err := s.handshake(demux.DTLS())
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warnf("dtls handshake failed: %v", err)
			s.notifyDTLSState(engine.DTLSStateFailed)
		}
		return
	}

	if err := s.setupSRTP(dtlsConn); err != nil {
		s.log.Warnf("srtp setup failed: %v", err)
		if err := dtlsConn.Close(); err != nil {
			s.log.Debugf("failed to close dtls connection: %v", err)
		}
		s.notifyDTLSState(engine.DTLSStateFailed)
		return
	}

	s.notifyDTLSState(engine.DTLSStateConnected)
	s.log.Infof("session connected, remote %s", conn.RemoteAddr())

	<-s.ctx.Done()

	s.teardown(dtlsConn)
	s.notifyDTLSState(engine.DTLSStateClosed)
}

func (s *session) handshake(conn net.Conn) (*dtls.Conn, error) {
	cert, err := s.eng.certificate()
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	expected := s.props.GetString(propDTLSFingerprint, "")
	hashName := s.props.GetString(propDTLSHash, "sha-256")
	if expected == "" {
		s.log.Warnf("no remote fingerprint negotiated, accepting any certificate")
	}

	config := &dtls.Config{
		Certificates:           []tls.Certificate{cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		ClientAuth:             dtls.RequireAnyClientCert,
		InsecureSkipVerify:     true,
		VerifyPeerCertificate:  verifyRemoteFingerprint(hashName, expected),
		LoggerFactory:          s.eng.loggerFactory,
	}

	packetConn := dtlsnet.PacketConnFromConn(conn)
	var dtlsConn *dtls.Conn
	if s.cfg.dtlsActive {
		dtlsConn, err = dtls.Client(packetConn, conn.RemoteAddr(), config)
	} else {
		dtlsConn, err = dtls.Server(packetConn, conn.RemoteAddr(), config)
	}
	if err != nil {
		return nil, err
	}
	if err := dtlsConn.HandshakeContext(s.ctx); err != nil {
		_ = dtlsConn.Close()
		return nil, err
	}
	return dtlsConn, nil
}

func (s *session) setupSRTP(dtlsConn *dtls.Conn) error {
	state, ok := dtlsConn.ConnectionState()
	if !ok {
		return fmt.Errorf("dtls connection state: handshake not complete")
	}

	config := &srtp.Config{
		Profile:       srtp.ProtectionProfileAes128CmHmacSha1_80,
		LoggerFactory: s.eng.loggerFactory,
	}
	if err := config.ExtractSessionKeysFromDTLS(&state, s.cfg.dtlsActive); err != nil {
		return fmt.Errorf("extract srtp keys: %w", err)
	}

	s.mu.Lock()
	demux := s.demux
	s.mu.Unlock()

	srtpSession, err := srtp.NewSessionSRTP(demux.RTP(), config)
	if err != nil {
		return fmt.Errorf("create srtp session: %w", err)
	}
	srtcpSession, err := srtp.NewSessionSRTCP(demux.RTCP(), config)
	if err != nil {
		return fmt.Errorf("create srtcp session: %w", err)
	}
	rtpWriter, err := srtpSession.OpenWriteStream()
	if err != nil {
		return fmt.Errorf("open srtp write stream: %w", err)
	}
	rtcpWriter, err := srtcpSession.OpenWriteStream()
	if err != nil {
		return fmt.Errorf("open srtcp write stream: %w", err)
	}

	s.mu.Lock()
	s.srtp = srtpSession
	s.srtcp = srtcpSession
	s.rtpWriter = rtpWriter
	s.rtcpWriter = rtcpWriter
	s.mu.Unlock()

	s.readyOnce.Do(func() {
		close(s.srtpReady)
	})
	return nil
}

func (s *session) teardown(dtlsConn *dtls.Conn) {
	s.mu.Lock()
	srtpSession := s.srtp
	srtcpSession := s.srtcp
	demux := s.demux
	s.srtp = nil
	s.srtcp = nil
	s.rtpWriter = nil
	s.rtcpWriter = nil
	s.mu.Unlock()

	if srtpSession != nil {
		if err := srtpSession.Close(); err != nil {
			s.log.Debugf("failed to close srtp session: %v", err)
		}
	}
	if srtcpSession != nil {
		if err := srtcpSession.Close(); err != nil {
			s.log.Debugf("failed to close srtcp session: %v", err)
		}
	}
	if err := dtlsConn.Close(); err != nil {
		s.log.Debugf("failed to close dtls connection: %v", err)
	}
	if demux != nil {
		demux.close()
	}
}

func (s *session) srtpSession() *srtp.SessionSRTP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srtp
}

func (s *session) srtpWriter() *srtp.WriteStreamSRTP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtpWriter
}

// requestKeyframe asks the sender behind an incoming stream for a keyframe
// via a Picture Loss Indication, so a freshly bound outgoing leg can resync.
func (s *session) requestKeyframe(mediaSSRC, senderSSRC uint32) {
	s.mu.Lock()
	writer := s.rtcpWriter
	s.mu.Unlock()
	if writer == nil {
		return
	}

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{
		SenderSSRC: senderSSRC,
		MediaSSRC:  mediaSSRC,
	}})
	if err != nil {
		s.log.Debugf("failed to marshal pli: %v", err)
		return
	}
	if _, err := writer.Write(raw); err != nil {
		s.log.Debugf("failed to send pli: %v", err)
	}
}

func (s *session) addIncoming(spec engine.SourceGroupSpec) (*incomingGroup, error) {
	if spec.MediaSSRC == 0 {
		return nil, fmt.Errorf("incoming source group requires a media ssrc")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("session %s is closed", s.username)
	}
	if _, ok := s.incoming[spec.MediaSSRC]; ok {
		return nil, fmt.Errorf("ssrc %d already registered on session %s", spec.MediaSSRC, s.username)
	}

	group := &incomingGroup{
		sess:   s,
		spec:   spec,
		log:    s.log.WithField("ssrc", spec.MediaSSRC),
		sinks:  make(map[*outgoingGroup]struct{}),
		closed: make(chan struct{}),
	}
	s.incoming[spec.MediaSSRC] = group
	go group.run()

	s.log.Debugf("registered incoming %s group (mid: %q, ssrc: %d)", spec.Kind, spec.MID, spec.MediaSSRC)
	return group, nil
}

func (s *session) removeIncoming(group *incomingGroup) {
	s.mu.Lock()
	delete(s.incoming, group.spec.MediaSSRC)
	s.mu.Unlock()

	// Detach any sink still pointing at us; their relay just stops.
	group.mu.Lock()
	sinks := make([]*outgoingGroup, 0, len(group.sinks))
	for sink := range group.sinks {
		sinks = append(sinks, sink)
	}
	group.sinks = make(map[*outgoingGroup]struct{})
	group.mu.Unlock()
	for _, sink := range sinks {
		sink.dropSource(group)
	}

	group.close()
	s.log.Debugf("deregistered incoming group (ssrc: %d)", group.spec.MediaSSRC)
}

func (s *session) addOutgoing(spec engine.SourceGroupSpec) (*outgoingGroup, error) {
	if spec.MediaSSRC == 0 {
		return nil, fmt.Errorf("outgoing source group requires a media ssrc")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("session %s is closed", s.username)
	}
	if _, ok := s.outgoing[spec.MediaSSRC]; ok {
		return nil, fmt.Errorf("ssrc %d already registered on session %s", spec.MediaSSRC, s.username)
	}

	group := &outgoingGroup{
		sess: s,
		spec: spec,
		log:  s.log.WithField("ssrc", spec.MediaSSRC),
	}
	s.outgoing[spec.MediaSSRC] = group

	s.log.Debugf("registered outgoing %s group (mid: %q, ssrc: %d)", spec.Kind, spec.MID, spec.MediaSSRC)
	return group, nil
}

func (s *session) removeOutgoing(group *outgoingGroup) {
	group.bindSource(nil)

	s.mu.Lock()
	delete(s.outgoing, group.spec.MediaSSRC)
	s.mu.Unlock()

	s.log.Debugf("deregistered outgoing group (ssrc: %d)", group.spec.MediaSSRC)
}

func (s *session) close() error {
	s.cancel()
	err := s.agent.Close()
	<-s.done
	return err
}
