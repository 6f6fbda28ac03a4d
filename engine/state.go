package engine

import (
	log "github.com/sirupsen/logrus"
)

const (
	// DTLSStateNew indicates the DTLS handshake has not started yet
	DTLSStateNew DTLSState = iota
	// DTLSStateConnecting indicates the DTLS handshake is in progress
	DTLSStateConnecting
	// DTLSStateConnected indicates the DTLS handshake completed
	DTLSStateConnected
	// DTLSStateClosed indicates the session has been shut down
	DTLSStateClosed
	// DTLSStateFailed indicates the DTLS handshake failed
	DTLSStateFailed
)

// DTLSState describes the DTLS leg of a session.
type DTLSState int32

func (s DTLSState) String() string {
	switch s {
	case DTLSStateNew:
		return "New"
	case DTLSStateConnecting:
		return "Connecting"
	case DTLSStateConnected:
		return "Connected"
	case DTLSStateClosed:
		return "Closed"
	case DTLSStateFailed:
		return "Failed"
	default:
		log.Errorf("unknown DTLS state: %d", s)
		return "INVALID_DTLS_STATE"
	}
}

const (
	MediaKindUnknown MediaKind = iota - 1
	MediaKindAudio
	MediaKindVideo
	MediaKindText
)

// MediaKind is the frame type carried by a source group.
type MediaKind int32

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	case MediaKindText:
		return "text"
	default:
		return "unknown"
	}
}

const (
	FingerprintSHA1 FingerprintHash = iota
	FingerprintSHA224
	FingerprintSHA256
	FingerprintSHA384
	FingerprintSHA512
)

// FingerprintHash selects the hash algorithm for a DTLS certificate
// fingerprint lookup.
type FingerprintHash int32

func (h FingerprintHash) String() string {
	switch h {
	case FingerprintSHA1:
		return "sha-1"
	case FingerprintSHA224:
		return "sha-224"
	case FingerprintSHA256:
		return "sha-256"
	case FingerprintSHA384:
		return "sha-384"
	case FingerprintSHA512:
		return "sha-512"
	default:
		return "unknown"
	}
}
