// Package pionmedia implements the engine contract on the pion stack: one
// shared UDP socket demultiplexed to per-peer ICE agents by local username,
// DTLS-keyed SRTP per session, and RTP relay between registered source
// groups.
package pionmedia

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/stdnet"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/asherkin/mediabundle/engine"
)

const receiveMTU = 1500

var (
	errNotBound      = errors.New("engine is not bound")
	errAlreadyBound  = errors.New("engine is already bound")
	errUnknownHandle = errors.New("unknown handle")
)

// Engine is a production engine.Engine. The zero value is not usable;
// construct with New and call Bind before adding sessions.
type Engine struct {
	loggerFactory logging.LoggerFactory

	certOnce sync.Once
	cert     tls.Certificate
	certErr  error

	mu        sync.Mutex
	udpConn   *net.UDPConn
	mux       *ice.UDPMuxDefault
	localPort int
	sessions  map[string]*session
}

var _ engine.Engine = (*Engine)(nil)

// New creates an unbound engine logging through the standard logrus logger.
func New() *Engine {
	return &Engine{
		loggerFactory: newLogrusFactory(log.StandardLogger()),
		sessions:      make(map[string]*session),
	}
}

// Bind opens the shared UDP socket and the ICE mux on top of it.
func (e *Engine) Bind(port int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.udpConn != nil {
		return 0, errAlreadyBound
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return 0, err
	}

	e.udpConn = conn
	e.mux = ice.NewUDPMuxDefault(ice.UDPMuxParams{
		UDPConn: conn,
		Logger:  e.loggerFactory.NewLogger("udpmux"),
	})
	e.localPort = conn.LocalAddr().(*net.UDPAddr).Port

	log.Infof("media engine bound on udp port %d", e.localPort)
	return e.localPort, nil
}

// Close tears down every remaining session and releases the socket.
func (e *Engine) Close() error {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	mux := e.mux
	conn := e.udpConn
	e.mux = nil
	e.udpConn = nil
	e.mu.Unlock()

	group := new(errgroup.Group)
	for _, s := range sessions {
		group.Go(s.close)
	}
	err := group.Wait()

	if mux != nil {
		if cerr := mux.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// AddSession creates the ICE agent for one peer and starts answering its
// connectivity checks. The agent runs in the lite, controlled role with the
// session's username as local ufrag, which is also what the shared mux
// demultiplexes on.
func (e *Engine) AddSession(username string, props *engine.Properties) (engine.SessionHandle, error) {
	cfg, err := newSessionConfig(username, props)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mux == nil {
		return nil, errNotBound
	}
	if _, ok := e.sessions[username]; ok {
		return nil, fmt.Errorf("session %s already exists", username)
	}

	s, err := e.newSession(username, cfg, props)
	if err != nil {
		return nil, err
	}
	e.sessions[username] = s
	return s, nil
}

func (e *Engine) newSession(username string, cfg sessionConfig, props *engine.Properties) (*session, error) {
	transportNet, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("create transport net: %w", err)
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost},
		LocalUfrag:     cfg.localUfrag,
		LocalPwd:       cfg.localPwd,
		Lite:           true,
		UDPMux:         e.mux,
		Net:            transportNet,
		LoggerFactory:  e.loggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("create ice agent: %w", err)
	}

	bag := engine.NewProperties()
	bag.Merge(props)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		eng:       e,
		id:        uuid.New().String(),
		username:  username,
		cfg:       cfg,
		props:     bag,
		agent:     agent,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		incoming:  make(map[uint32]*incomingGroup),
		outgoing:  make(map[uint32]*outgoingGroup),
		srtpReady: make(chan struct{}),
	}
	s.log = log.WithFields(log.Fields{"session": s.id, "username": username})

	if err := agent.OnConnectionStateChange(func(state ice.ConnectionState) {
		s.log.Debugf("ice connection state changed to %s", state)
		if state == ice.ConnectionStateDisconnected || state == ice.ConnectionStateFailed {
			s.notifyICETimeout()
		}
	}); err != nil {
		cancel()
		_ = agent.Close()
		return nil, err
	}

	if err := agent.OnSelectedCandidatePairChange(func(_, remote ice.Candidate) {
		s.notifyCandidateActivated(remote.Address(), remote.Port(), remote.Priority())
	}); err != nil {
		cancel()
		_ = agent.Close()
		return nil, err
	}

	if err := agent.GatherCandidates(); err != nil {
		cancel()
		_ = agent.Close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}

	go s.run()

	s.log.Debugf("session created")
	return s, nil
}

// RemoveSession tears down the session for username. Unknown usernames are
// ignored so removal stays idempotent.
func (e *Engine) RemoveSession(username string) error {
	e.mu.Lock()
	s, ok := e.sessions[username]
	delete(e.sessions, username)
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return s.close()
}

// SetListener installs or clears the listener of a session. Delivery of
// session events holds the same lock as the swap, so no callback to a
// replaced listener is in flight once this returns.
func (e *Engine) SetListener(handle engine.SessionHandle, listener engine.SessionListener) {
	s, ok := handle.(*session)
	if !ok || s == nil {
		log.Errorf("SetListener called with unknown session handle")
		return
	}
	s.setListener(listener)
}

// SetRemoteProperties merges negotiated remote parameters into the session.
func (e *Engine) SetRemoteProperties(handle engine.SessionHandle, props *engine.Properties) {
	s, ok := handle.(*session)
	if !ok || s == nil {
		log.Errorf("SetRemoteProperties called with unknown session handle")
		return
	}
	s.props.Merge(props)
}

// SetLocalProperties merges local parameters into the session.
func (e *Engine) SetLocalProperties(handle engine.SessionHandle, props *engine.Properties) {
	s, ok := handle.(*session)
	if !ok || s == nil {
		log.Errorf("SetLocalProperties called with unknown session handle")
		return
	}
	s.props.Merge(props)
}

// AddRemoteCandidate injects a remote host candidate into the session's
// agent.
func (e *Engine) AddRemoteCandidate(username string, ip string, port int) error {
	e.mu.Lock()
	s, ok := e.sessions[username]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session for username %s", username)
	}

	candidate, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   ip,
		Port:      port,
		Component: ice.ComponentRTP,
	})
	if err != nil {
		return fmt.Errorf("build remote candidate: %w", err)
	}
	return s.agent.AddRemoteCandidate(candidate)
}

// AddIncoming registers receive state for one source group.
func (e *Engine) AddIncoming(handle engine.SessionHandle, spec engine.SourceGroupSpec) (engine.GroupHandle, error) {
	s, ok := handle.(*session)
	if !ok || s == nil {
		return nil, errUnknownHandle
	}
	return s.addIncoming(spec)
}

// RemoveIncoming deregisters an incoming source group.
func (e *Engine) RemoveIncoming(handle engine.GroupHandle) error {
	group, ok := handle.(*incomingGroup)
	if !ok || group == nil {
		return errUnknownHandle
	}
	group.sess.removeIncoming(group)
	return nil
}

// AddOutgoing registers send state for one source group.
func (e *Engine) AddOutgoing(handle engine.SessionHandle, spec engine.SourceGroupSpec) (engine.GroupHandle, error) {
	s, ok := handle.(*session)
	if !ok || s == nil {
		return nil, errUnknownHandle
	}
	return s.addOutgoing(spec)
}

// RemoveOutgoing deregisters an outgoing source group, unbinding any relay
// into it first.
func (e *Engine) RemoveOutgoing(handle engine.GroupHandle) error {
	group, ok := handle.(*outgoingGroup)
	if !ok || group == nil {
		return errUnknownHandle
	}
	group.sess.removeOutgoing(group)
	return nil
}

// BindRelay starts (or re-targets) relay from incoming to outgoing. The two
// groups may live on different sessions; that is the whole point. A PLI is
// sent towards the incoming stream's sender so the new leg can start on a
// keyframe.
func (e *Engine) BindRelay(outgoing, incoming engine.GroupHandle) error {
	out, ok := outgoing.(*outgoingGroup)
	if !ok || out == nil {
		return errUnknownHandle
	}
	in, ok := incoming.(*incomingGroup)
	if !ok || in == nil {
		return errUnknownHandle
	}

	out.bindSource(in)
	if in.spec.Kind == engine.MediaKindVideo {
		in.sess.requestKeyframe(in.spec.MediaSSRC, out.spec.MediaSSRC)
	}
	return nil
}

// UnbindRelay stops relay into the outgoing group.
func (e *Engine) UnbindRelay(outgoing engine.GroupHandle) error {
	out, ok := outgoing.(*outgoingGroup)
	if !ok || out == nil {
		return errUnknownHandle
	}
	out.bindSource(nil)
	return nil
}
