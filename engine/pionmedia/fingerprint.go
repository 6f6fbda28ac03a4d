package pionmedia

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"

	"github.com/asherkin/mediabundle/engine"
)

func fingerprintHash(hash engine.FingerprintHash) (crypto.Hash, error) {
	switch hash {
	case engine.FingerprintSHA1:
		return crypto.SHA1, nil
	case engine.FingerprintSHA224:
		return crypto.SHA224, nil
	case engine.FingerprintSHA256:
		return crypto.SHA256, nil
	case engine.FingerprintSHA384:
		return crypto.SHA384, nil
	case engine.FingerprintSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported fingerprint hash: %d", hash)
	}
}

// certificate returns the engine's self-signed DTLS certificate, generating
// it on first use.
func (e *Engine) certificate() (tls.Certificate, error) {
	e.certOnce.Do(func() {
		e.cert, e.certErr = selfsign.GenerateSelfSigned()
	})
	return e.cert, e.certErr
}

// CertificateFingerprint returns the colon-separated fingerprint of the
// engine's DTLS certificate, as it appears in a session description.
func (e *Engine) CertificateFingerprint(hash engine.FingerprintHash) (string, error) {
	algo, err := fingerprintHash(hash)
	if err != nil {
		return "", err
	}

	cert, err := e.certificate()
	if err != nil {
		return "", fmt.Errorf("generate certificate: %w", err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return "", fmt.Errorf("parse certificate: %w", err)
		}
	}

	fp, err := fingerprint.Fingerprint(leaf, algo)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(fp), nil
}

// verifyRemoteFingerprint checks the presented certificate chain against the
// fingerprint negotiated for the session. An empty expected fingerprint
// accepts any certificate; the session logs that case at setup time.
func verifyRemoteFingerprint(hashName, expected string) func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if expected == "" {
			return nil
		}

		algo, err := fingerprint.HashFromString(hashName)
		if err != nil {
			return fmt.Errorf("unknown fingerprint hash %q: %w", hashName, err)
		}

		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse remote certificate: %w", err)
			}
			fp, err := fingerprint.Fingerprint(cert, algo)
			if err != nil {
				return err
			}
			if strings.EqualFold(fp, expected) {
				return nil
			}
		}
		return fmt.Errorf("remote certificate does not match negotiated fingerprint %s", expected)
	}
}
