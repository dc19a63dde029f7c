// Package ingest receives raw collector submissions over DTLS and
// forwards them onto the intake topic. Collectors send one JSON
// submission per datagram.
package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
)

// Common errors for the DTLS server.
var (
	ErrCertRequired       = errors.New("ingest: DTLS requires certificate and key")
	ErrClientCertRequired = errors.New("ingest: mutual TLS requires CA certificate")
)

// Forwarder hands accepted submissions to the intake topic.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte) error
}

// ServerConfig holds configuration for the DTLS intake server.
type ServerConfig struct {
	// Address to listen on, e.g. ":6514".
	Address string `yaml:"address"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile enables client certificate validation when
	// RequireClientCert is set.
	CAFile            string `yaml:"ca_file,omitempty"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	// Workers for submission forwarding.
	Workers int `yaml:"workers"`

	// MaxMessageSize is the maximum datagram size.
	MaxMessageSize int `yaml:"max_message_size"`

	// ConnectionTimeout bounds the DTLS handshake.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// IdleTimeout closes connections with no traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig returns secure default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:           ":6514",
		Workers:           4,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// ServerMetrics holds intake server metrics.
type ServerMetrics struct {
	Connections   uint64
	HandshakeErrs uint64
	Received      uint64
	Forwarded     uint64
	Rejected      uint64
	Errors        uint64
}

// Server receives collector submissions over DTLS.
type Server struct {
	config    ServerConfig
	forwarder Forwarder
	logger    *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	connWG   sync.WaitGroup
	done     chan struct{}

	connections   uint64
	handshakeErrs uint64
	received      uint64
	forwarded     uint64
	rejected      uint64
	errors        uint64
}

// NewServer creates a DTLS intake server.
func NewServer(cfg ServerConfig, forwarder Forwarder, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrClientCertRequired
	}
	return &Server{
		config:    cfg,
		forwarder: forwarder,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start opens the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("ingest: load DTLS certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return fmt.Errorf("ingest: load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return errors.New("ingest: parse CA certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("ingest: resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("ingest: start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("intake server started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

type submission struct {
	data     []byte
	sourceIP string
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	submissions := make(chan submission, s.config.Workers*100)
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, submissions)
	}
	// Connection handlers send on the channel, so every handler must be
	// gone before it closes; a send on a closed channel panics even
	// inside a select with a default case.
	defer close(submissions)
	defer s.connWG.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("DTLS accept error", "error", err)
				atomic.AddUint64(&s.handshakeErrs, 1)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		s.connWG.Add(1)
		go s.handleConnection(ctx, conn, submissions)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, submissions chan<- submission) {
	defer s.connWG.Done()
	defer conn.Close()

	var sourceIP string
	if addr := conn.RemoteAddr(); addr != nil {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			sourceIP = udpAddr.IP.String()
		} else {
			sourceIP = addr.String()
		}
	}

	buffer := make([]byte, s.config.MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("connection idle timeout", "remote", sourceIP)
				return
			}
			s.logger.Debug("read error", "error", err, "remote", sourceIP)
			return
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case submissions <- submission{data: data, sourceIP: sourceIP}:
		default:
			atomic.AddUint64(&s.errors, 1)
			s.logger.Debug("submission channel full, dropping", "remote", sourceIP)
		}
	}
}

func (s *Server) worker(ctx context.Context, submissions <-chan submission) {
	defer s.wg.Done()
	for sub := range submissions {
		s.processSubmission(ctx, sub)
	}
}

// processSubmission checks the payload is a JSON object and forwards
// it. Content cleaning happens downstream; malformed framing is
// rejected here so the intake topic only carries parseable payloads.
func (s *Server) processSubmission(ctx context.Context, sub submission) {
	if !json.Valid(sub.data) {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Debug("rejected non-JSON submission",
			"source", sub.sourceIP,
			"size", len(sub.data),
		)
		return
	}

	if err := s.forwarder.Forward(ctx, sub.data); err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Error("submission forward failed",
			"source", sub.sourceIP,
			"error", err,
		)
		return
	}
	atomic.AddUint64(&s.forwarded, 1)
}

// Stop stops the server gracefully.
func (s *Server) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	s.logger.Info("intake server stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"forwarded", atomic.LoadUint64(&s.forwarded),
		"rejected", atomic.LoadUint64(&s.rejected),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current server metrics.
func (s *Server) Metrics() ServerMetrics {
	return ServerMetrics{
		Connections:   atomic.LoadUint64(&s.connections),
		HandshakeErrs: atomic.LoadUint64(&s.handshakeErrs),
		Received:      atomic.LoadUint64(&s.received),
		Forwarded:     atomic.LoadUint64(&s.forwarded),
		Rejected:      atomic.LoadUint64(&s.rejected),
		Errors:        atomic.LoadUint64(&s.errors),
	}
}
