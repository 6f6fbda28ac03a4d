package bundle

import (
	"github.com/asherkin/mediabundle/engine"
)

// ConnListener is implemented by the owner of a Conn to receive the
// asynchronous transport events of that connection. The callbacks are
// invoked from engine-owned goroutines and must not block for long
// durations.
type ConnListener interface {
	// OnICETimeout fires when the engine gave up on ICE connectivity.
	OnICETimeout()

	// OnDTLSStateChanged reports DTLS handshake progress.
	OnDTLSStateChanged(state engine.DTLSState)

	// OnRemoteICECandidateActivated reports the remote half of the candidate
	// pair the engine selected as active.
	OnRemoteICECandidateActivated(ip string, port int, priority uint32)
}

// listenerBridge adapts a ConnListener to the engine's session listener
// slot. Each SetListener call installs a fresh bridge, so a replaced bridge
// never forwards again: the engine stops routing to it atomically, and the
// bridge itself holds no other path to the listener.
type listenerBridge struct {
	listener ConnListener
}

var _ engine.SessionListener = (*listenerBridge)(nil)

func (b *listenerBridge) OnICETimeout() {
	b.listener.OnICETimeout()
}

func (b *listenerBridge) OnDTLSStateChanged(state engine.DTLSState) {
	b.listener.OnDTLSStateChanged(state)
}

func (b *listenerBridge) OnRemoteICECandidateActivated(ip string, port int, priority uint32) {
	b.listener.OnRemoteICECandidateActivated(ip, port, priority)
}
