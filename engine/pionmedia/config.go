package pionmedia

import (
	"fmt"

	"github.com/pion/randutil"

	"github.com/asherkin/mediabundle/engine"
)

// Well-known property keys. The dotted namespaces follow the convention the
// signaling layer already uses in session descriptions.
const (
	propICELocalUsername  = "ice.localUsername"
	propICELocalPassword  = "ice.localPassword"
	propICERemoteUsername = "ice.remoteUsername"
	propICERemotePassword = "ice.remotePassword"

	propDTLSSetup       = "dtls.setup"
	propDTLSHash        = "dtls.hash"
	propDTLSFingerprint = "dtls.fingerprint"
)

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// sessionConfig is the subset of session properties the engine needs up
// front to run the ICE and DTLS state machines.
type sessionConfig struct {
	localUfrag string
	localPwd   string

	remoteUfrag string
	remotePwd   string

	// dtlsActive selects the DTLS client role for this side. The default is
	// the passive (server) role, which is what an answering transport wants.
	dtlsActive bool
}

func newSessionConfig(username string, props *engine.Properties) (sessionConfig, error) {
	if props == nil {
		props = engine.NewProperties()
	}

	cfg := sessionConfig{
		localUfrag:  props.GetString(propICELocalUsername, username),
		localPwd:    props.GetString(propICELocalPassword, ""),
		remoteUfrag: props.GetString(propICERemoteUsername, ""),
		remotePwd:   props.GetString(propICERemotePassword, ""),
		dtlsActive:  props.GetString(propDTLSSetup, "passive") == "active",
	}

	if cfg.localPwd == "" {
		pwd, err := randutil.GenerateCryptoRandomString(32, runesAlpha)
		if err != nil {
			return sessionConfig{}, fmt.Errorf("generate local ice password: %w", err)
		}
		cfg.localPwd = pwd
	}

	if cfg.remoteUfrag == "" || cfg.remotePwd == "" {
		return sessionConfig{}, fmt.Errorf("missing remote ice credentials (%s, %s)", propICERemoteUsername, propICERemotePassword)
	}

	return cfg, nil
}
