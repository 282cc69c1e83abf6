package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for gridsend over QUIC.
	ALPNProtocol = "gridsend-v1"
)

// ServerConfig returns a TLS configuration for the collector's QUIC listener.
// The certificate is self-signed and regenerated on every start.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS configuration for agents.
// Collectors are not authenticated, so verification is skipped.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultServerQUICConfig returns the collector's QUIC config. Each agent
// connection carries a single stream.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		MaxIncomingStreams:             4,
		MaxIncomingUniStreams:          -1,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         64 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the agent's QUIC config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
		MaxIdleTimeout:       60 * time.Second,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"gridsend collector"}},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// ListenAddr creates a QUIC listener on a UDP address.
func ListenAddr(addr string, logger *slog.Logger, config *quic.Config) (*quic.Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultServerQUICConfig()
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", listener.Addr())
	return listener, nil
}

// DialAddr creates a QUIC connection to a collector.
func DialAddr(ctx context.Context, addr string, logger *slog.Logger, config *quic.Config) (*quic.Conn, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}

	logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), config)
	if err != nil {
		return nil, err
	}
	logger.Debug("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return conn, nil
}
