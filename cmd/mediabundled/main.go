package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asherkin/mediabundle/bundle"
	"github.com/asherkin/mediabundle/engine"
	"github.com/asherkin/mediabundle/engine/pionmedia"
	"github.com/asherkin/mediabundle/util"
)

var (
	port     int
	logLevel string
	logFile  string

	peerUsername    string
	peerICEUfrag    string
	peerICEPwd      string
	peerFingerprint string
	peerCandidate   string

	rootCmd = &cobra.Command{
		Use:          "mediabundled",
		Short:        "Runs a standalone RTP bundle transport",
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "UDP port to bind the bundle transport on (0 = ephemeral)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "log file path, or 'console' for stderr")

	rootCmd.PersistentFlags().StringVar(&peerUsername, "peer-username", "", "ICE username of a static peer to accept")
	rootCmd.PersistentFlags().StringVar(&peerICEUfrag, "peer-ice-ufrag", "", "remote ICE ufrag of the static peer")
	rootCmd.PersistentFlags().StringVar(&peerICEPwd, "peer-ice-pwd", "", "remote ICE password of the static peer")
	rootCmd.PersistentFlags().StringVar(&peerFingerprint, "peer-fingerprint", "", "remote DTLS certificate fingerprint (sha-256)")
	rootCmd.PersistentFlags().StringVar(&peerCandidate, "peer-candidate", "", "remote host candidate as ip:port")
}

func run(cmd *cobra.Command, args []string) error {
	if err := util.InitLog(logLevel, logFile); err != nil {
		return err
	}

	eng := pionmedia.New()
	transport, err := bundle.NewTransport(eng, port)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warnf("failed to close transport: %v", err)
		}
	}()

	fingerprint, err := eng.CertificateFingerprint(engine.FingerprintSHA256)
	if err != nil {
		return err
	}

	log.Infof("bundle transport listening on udp port %d", transport.LocalPort())
	log.Infof("dtls certificate fingerprint (sha-256): %s", fingerprint)

	if peerUsername != "" {
		conn, err := addStaticPeer(transport)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Close(); err != nil {
				log.Warnf("failed to close connection: %v", err)
			}
		}()
	}

	waitForSignal()
	return nil
}

func addStaticPeer(transport *bundle.Transport) (*bundle.Conn, error) {
	props := engine.NewProperties()
	props.SetString("ice.localUsername", peerUsername)
	props.SetString("ice.remoteUsername", peerICEUfrag)
	props.SetString("ice.remotePassword", peerICEPwd)
	if peerFingerprint != "" {
		props.SetString("dtls.hash", "sha-256")
		props.SetString("dtls.fingerprint", peerFingerprint)
	}

	conn, err := transport.AddConnection(peerUsername, props)
	if err != nil {
		return nil, err
	}
	conn.SetListener(&logListener{username: peerUsername})

	if peerCandidate != "" {
		host, portStr, err := net.SplitHostPort(peerCandidate)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("invalid --peer-candidate: %w", err)
		}
		candidatePort, err := strconv.Atoi(portStr)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("invalid --peer-candidate port: %w", err)
		}
		if err := conn.AddRemoteCandidate(host, candidatePort); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	log.Infof("accepting peer %s", peerUsername)
	return conn, nil
}

// logListener reports connection events to the log.
type logListener struct {
	username string
}

func (l *logListener) OnICETimeout() {
	log.Warnf("peer %s: ice timeout", l.username)
}

func (l *logListener) OnDTLSStateChanged(state engine.DTLSState) {
	log.Infof("peer %s: dtls state changed to %s", l.username, state)
}

func (l *logListener) OnRemoteICECandidateActivated(ip string, port int, priority uint32) {
	log.Infof("peer %s: remote candidate %s:%d activated (priority %d)", l.username, ip, port, priority)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Infof("shutting down")
}
