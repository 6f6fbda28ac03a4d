package bundle

import (
	"fmt"
	"sync"

	"github.com/asherkin/mediabundle/engine"
)

// mockEngine is a recording test double for engine.Engine. Every mutating
// call appends an event, so tests can assert both effects and their order.
// Listener delivery helpers hold the same mutex as SetListener, matching
// the synchronous clearing contract the real engine provides; fire*Stale
// helpers deliberately break it to document what the contract protects
// against.
type mockEngine struct {
	mu     sync.Mutex
	events []string

	bound    bool
	port     int
	sessions map[string]*mockSession
	relays   map[*mockGroup]*mockGroup

	bindErr        error
	addSessionErr  error
	addIncomingErr error
	addOutgoingErr error
	bindRelayErr   error
	candidateErr   error
}

type mockSession struct {
	username string
	listener engine.SessionListener
}

type mockGroup struct {
	session   *mockSession
	direction string
	spec      engine.SourceGroupSpec
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		sessions: make(map[string]*mockSession),
		relays:   make(map[*mockGroup]*mockGroup),
	}
}

func (m *mockEngine) record(format string, args ...interface{}) {
	m.events = append(m.events, fmt.Sprintf(format, args...))
}

func (m *mockEngine) Bind(port int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindErr != nil {
		return 0, m.bindErr
	}
	m.bound = true
	m.port = port
	if m.port == 0 {
		m.port = 52133
	}
	m.record("bind %d", m.port)
	return m.port, nil
}

func (m *mockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = false
	m.record("close")
	return nil
}

func (m *mockEngine) AddSession(username string, _ *engine.Properties) (engine.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.addSessionErr != nil {
		return nil, m.addSessionErr
	}
	if _, ok := m.sessions[username]; ok {
		return nil, fmt.Errorf("session %s already exists", username)
	}
	session := &mockSession{username: username}
	m.sessions[username] = session
	m.record("add_session %s", username)
	return session, nil
}

func (m *mockEngine) RemoveSession(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, username)
	m.record("remove_session %s", username)
	return nil
}

func (m *mockEngine) SetListener(handle engine.SessionHandle, listener engine.SessionListener) {
	session := handle.(*mockSession)

	m.mu.Lock()
	defer m.mu.Unlock()
	session.listener = listener
	if listener == nil {
		m.record("clear_listener %s", session.username)
	} else {
		m.record("set_listener %s", session.username)
	}
}

func (m *mockEngine) SetRemoteProperties(handle engine.SessionHandle, _ *engine.Properties) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("set_remote_properties %s", handle.(*mockSession).username)
}

func (m *mockEngine) SetLocalProperties(handle engine.SessionHandle, _ *engine.Properties) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("set_local_properties %s", handle.(*mockSession).username)
}

func (m *mockEngine) AddRemoteCandidate(username string, ip string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidateErr != nil {
		return m.candidateErr
	}
	m.record("add_remote_candidate %s %s:%d", username, ip, port)
	return nil
}

func (m *mockEngine) AddIncoming(handle engine.SessionHandle, spec engine.SourceGroupSpec) (engine.GroupHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.addIncomingErr != nil {
		return nil, m.addIncomingErr
	}
	session := handle.(*mockSession)
	group := &mockGroup{session: session, direction: "incoming", spec: spec}
	m.record("add_incoming %s %d", session.username, spec.MediaSSRC)
	return group, nil
}

func (m *mockEngine) RemoveIncoming(handle engine.GroupHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := handle.(*mockGroup)
	m.record("remove_incoming %s %d", group.session.username, group.spec.MediaSSRC)
	return nil
}

func (m *mockEngine) AddOutgoing(handle engine.SessionHandle, spec engine.SourceGroupSpec) (engine.GroupHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.addOutgoingErr != nil {
		return nil, m.addOutgoingErr
	}
	session := handle.(*mockSession)
	group := &mockGroup{session: session, direction: "outgoing", spec: spec}
	m.record("add_outgoing %s %d", session.username, spec.MediaSSRC)
	return group, nil
}

func (m *mockEngine) RemoveOutgoing(handle engine.GroupHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := handle.(*mockGroup)
	delete(m.relays, group)
	m.record("remove_outgoing %s %d", group.session.username, group.spec.MediaSSRC)
	return nil
}

func (m *mockEngine) BindRelay(outgoing, incoming engine.GroupHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindRelayErr != nil {
		return m.bindRelayErr
	}
	out := outgoing.(*mockGroup)
	in := incoming.(*mockGroup)
	m.relays[out] = in
	m.record("bind_relay %d<-%d", out.spec.MediaSSRC, in.spec.MediaSSRC)
	return nil
}

func (m *mockEngine) UnbindRelay(outgoing engine.GroupHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := outgoing.(*mockGroup)
	delete(m.relays, out)
	m.record("unbind_relay %d", out.spec.MediaSSRC)
	return nil
}

func (m *mockEngine) CertificateFingerprint(engine.FingerprintHash) (string, error) {
	return "00:11:22:33", nil
}

// fireICETimeout delivers an event under the engine lock, like the real
// engine does.
func (m *mockEngine) fireICETimeout(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[username]; ok && session.listener != nil {
		session.listener.OnICETimeout()
	}
}

func (m *mockEngine) fireDTLSStateChanged(username string, state engine.DTLSState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[username]; ok && session.listener != nil {
		session.listener.OnDTLSStateChanged(state)
	}
}

// staleDelivery captures the current listener and returns a function that
// delivers to it outside the engine lock, simulating an engine that does
// NOT provide the callback/deregistration mutual exclusion this layer
// depends on.
func (m *mockEngine) staleDelivery(username string) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[username]
	if !ok || session.listener == nil {
		return func() {}
	}
	listener := session.listener
	return func() {
		listener.OnICETimeout()
	}
}

func (m *mockEngine) liveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *mockEngine) relayTarget(outgoingSSRC uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for out, in := range m.relays {
		if out.spec.MediaSSRC == outgoingSSRC {
			return in.spec.MediaSSRC, true
		}
	}
	return 0, false
}

func (m *mockEngine) eventCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.events {
		if e == event {
			count++
		}
	}
	return count
}

// eventIndex returns the position of the first occurrence of event, or -1.
func (m *mockEngine) eventIndex(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e == event {
			return i
		}
	}
	return -1
}
