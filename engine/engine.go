// Package engine defines the contract between the bundle transport lifecycle
// layer and the media engine that does the actual ICE, DTLS and RTP work.
// The engine owns the network I/O and its own processing goroutines; callers
// only wire identities and lifetimes together through this interface.
package engine

// SessionHandle is an opaque reference to one peer's ICE/DTLS session inside
// the engine. It is only valid between AddSession and RemoveSession.
type SessionHandle interface{}

// GroupHandle is an opaque reference to a registered incoming or outgoing
// RTP source group.
type GroupHandle interface{}

// SourceGroupSpec describes one logical media stream's identifiers.
type SourceGroupSpec struct {
	Kind      MediaKind
	MID       string
	RID       string
	MediaSSRC uint32
	RTXSSRC   uint32
}

// SessionListener receives the asynchronous events of one session. The
// callbacks are invoked from engine-owned goroutines and must not block for
// long durations.
type SessionListener interface {
	OnICETimeout()
	OnDTLSStateChanged(state DTLSState)
	OnRemoteICECandidateActivated(ip string, port int, priority uint32)
}

// Engine is the external media engine collaborator. All methods are
// synchronous: they mutate registration state and return, they never block
// on network I/O. Implementations must serialize source-group registration
// per session.
type Engine interface {
	// Bind opens the shared transport socket. Port 0 selects an ephemeral
	// port. Returns the bound port.
	Bind(port int) (int, error)

	// Close releases the socket and tears down any remaining sessions.
	Close() error

	// AddSession creates a per-peer ICE/DTLS session keyed by username.
	AddSession(username string, props *Properties) (SessionHandle, error)

	// RemoveSession tears down the session for username. Removing an unknown
	// username is not an error.
	RemoveSession(username string) error

	// SetListener installs or, with nil, clears the listener of a session.
	// The engine must guarantee that listener delivery and SetListener are
	// mutually exclusive: once SetListener returns, no callback routed to a
	// previously installed listener is still in flight.
	SetListener(session SessionHandle, listener SessionListener)

	// SetRemoteProperties and SetLocalProperties merge negotiated parameters
	// into the session.
	SetRemoteProperties(session SessionHandle, props *Properties)
	SetLocalProperties(session SessionHandle, props *Properties)

	// AddRemoteCandidate injects a remote host candidate into the session's
	// ICE agent.
	AddRemoteCandidate(username string, ip string, port int) error

	// AddIncoming registers receive state for one source group. No state is
	// retained on error.
	AddIncoming(session SessionHandle, spec SourceGroupSpec) (GroupHandle, error)
	RemoveIncoming(group GroupHandle) error

	// AddOutgoing registers send state for one source group. No state is
	// retained on error.
	AddOutgoing(session SessionHandle, spec SourceGroupSpec) (GroupHandle, error)
	RemoveOutgoing(group GroupHandle) error

	// BindRelay starts (or re-targets) packet relay from an incoming group
	// to an outgoing group. On error any previous binding stays in effect.
	BindRelay(outgoing, incoming GroupHandle) error

	// UnbindRelay stops relay into the outgoing group. Unbinding an unbound
	// group is not an error.
	UnbindRelay(outgoing GroupHandle) error

	// CertificateFingerprint returns the fingerprint of the engine's DTLS
	// certificate using the given hash algorithm.
	CertificateFingerprint(hash FingerprintHash) (string, error)
}
