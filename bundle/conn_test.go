package bundle

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asherkin/mediabundle/engine"
)

// countingListener records how many events it received.
type countingListener struct {
	iceTimeouts atomic.Int32
	dtlsChanges atomic.Int32
	candidates  atomic.Int32
}

func (l *countingListener) OnICETimeout() {
	l.iceTimeouts.Add(1)
}

func (l *countingListener) OnDTLSStateChanged(engine.DTLSState) {
	l.dtlsChanges.Add(1)
}

func (l *countingListener) OnRemoteICECandidateActivated(string, int, uint32) {
	l.candidates.Add(1)
}

func newTestConn(t *testing.T, eng *mockEngine, username string) (*Transport, *Conn) {
	t.Helper()
	transport, err := NewTransport(eng, 0)
	require.NoError(t, err)
	conn, err := transport.AddConnection(username, nil)
	require.NoError(t, err)
	return transport, conn
}

func TestConn_Username(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()
	defer func() {
		_ = conn.Close()
	}()

	assert.Equal(t, "alice", conn.Username())
}

func TestConn_SetListenerReplaces(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()
	defer func() {
		_ = conn.Close()
	}()

	first := &countingListener{}
	second := &countingListener{}

	conn.SetListener(first)
	conn.SetListener(second)

	eng.fireICETimeout("alice")
	eng.fireDTLSStateChanged("alice", engine.DTLSStateConnected)

	assert.Equal(t, int32(0), first.iceTimeouts.Load(), "replaced listener must not receive events")
	assert.Equal(t, int32(1), second.iceTimeouts.Load())
	assert.Equal(t, int32(1), second.dtlsChanges.Load())
}

func TestConn_SetListenerNilStopsDelivery(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()
	defer func() {
		_ = conn.Close()
	}()

	listener := &countingListener{}
	conn.SetListener(listener)
	eng.fireICETimeout("alice")

	conn.SetListener(nil)
	eng.fireICETimeout("alice")

	assert.Equal(t, int32(1), listener.iceTimeouts.Load())
}

// Hammers listener clearing against concurrent event delivery: once
// SetListener(nil) has returned, not a single further callback may land.
func TestConn_ListenerClearIsSynchronous(t *testing.T) {
	for round := 0; round < 100; round++ {
		eng := newMockEngine()
		transport, conn := newTestConn(t, eng, "alice")

		var cleared atomic.Bool
		var violation atomic.Bool
		listener := &funcListener{onICETimeout: func() {
			if cleared.Load() {
				violation.Store(true)
			}
		}}
		conn.SetListener(listener)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				eng.fireICETimeout("alice")
			}
		}()
		go func() {
			defer wg.Done()
			conn.SetListener(nil)
			cleared.Store(true)
		}()
		wg.Wait()

		assert.False(t, violation.Load(), "callback delivered after SetListener(nil) returned")

		require.NoError(t, conn.Close())
		require.NoError(t, transport.Close())
	}
}

// funcListener dispatches to optional callbacks, for tests that need to
// observe delivery timing.
type funcListener struct {
	onICETimeout func()
}

func (l *funcListener) OnICETimeout() {
	if l.onICETimeout != nil {
		l.onICETimeout()
	}
}

func (l *funcListener) OnDTLSStateChanged(engine.DTLSState) {}

func (l *funcListener) OnRemoteICECandidateActivated(string, int, uint32) {}

func TestConn_CloseClearsListenerBeforeRemoval(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()

	conn.SetListener(&countingListener{})
	require.NoError(t, conn.Close())

	clearIdx := eng.eventIndex("clear_listener alice")
	removeIdx := eng.eventIndex("remove_session alice")
	require.NotEqual(t, -1, clearIdx)
	require.NotEqual(t, -1, removeIdx)
	assert.Less(t, clearIdx, removeIdx, "listener must be cleared before the session is deregistered")
}

func TestConn_CloseWithoutListener(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()

	require.NoError(t, conn.Close())
	assert.Equal(t, 0, eng.eventCount("clear_listener alice"))
	assert.Equal(t, 1, eng.eventCount("remove_session alice"))
}

// An engine that snapshots the listener and delivers outside its lock can
// still reach a listener after it was replaced. The bridge alone cannot
// prevent that; it is the engine's mutual exclusion that does.
func TestConn_StaleDeliveryWithoutEngineExclusion(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()
	defer func() {
		_ = conn.Close()
	}()

	old := &countingListener{}
	conn.SetListener(old)
	deliver := eng.staleDelivery("alice")

	conn.SetListener(nil)
	deliver()

	assert.Equal(t, int32(1), old.iceTimeouts.Load())
}

func TestConn_SetListenerAfterClose(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()

	require.NoError(t, conn.Close())

	listener := &countingListener{}
	conn.SetListener(listener)
	assert.Equal(t, 0, eng.eventCount("set_listener alice"))
}

func TestConn_AddRemoteCandidate(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()
	defer func() {
		_ = conn.Close()
	}()

	require.NoError(t, conn.AddRemoteCandidate("192.0.2.7", 50000))
	assert.Equal(t, 1, eng.eventCount("add_remote_candidate alice 192.0.2.7:50000"))

	eng.candidateErr = errors.New("agent is closed")
	assert.Error(t, conn.AddRemoteCandidate("192.0.2.7", 50001))
}

func TestConn_SetProperties(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()
	defer func() {
		_ = conn.Close()
	}()

	props := engine.NewProperties()
	props.SetString("dtls.setup", "active")

	conn.SetRemoteProperties(props)
	conn.SetLocalProperties(props)

	assert.Equal(t, 1, eng.eventCount("set_remote_properties alice"))
	assert.Equal(t, 1, eng.eventCount("set_local_properties alice"))
}

func TestConn_CloseIdempotent(t *testing.T) {
	eng := newMockEngine()
	transport, conn := newTestConn(t, eng, "alice")
	defer func() {
		_ = transport.Close()
	}()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, eng.eventCount("remove_session alice"))
}
