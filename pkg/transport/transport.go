// Package transport owns the framed TLS connection to a relay (spec
// §4.3/§6): dialing (direct or via a SOCKS proxy), certificate pinning
// by SHA-256 key hash, TLS session id (tls-unique) extraction, and
// reading/writing the block-framed transmissions pkg/wire defines.
//
// Grounded on the teacher's pkg/network/client.go dial/handshake shape
// and pkg/network/reconnect.go's exponential-backoff loop, generalized
// from the teacher's plain TCP to TLS 1.3 with certificate pinning (the
// teacher has no TLS of its own; the pinning posture is grounded on the
// runZeroInc-conniver cmd/get/main.go InsecureSkipVerify+manual-check
// pattern, which is the pack's only example of a hand-built tls.Config).
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
	"github.com/simplex-agent/smpagent/pkg/wire"
)

// NetworkMode selects how the transport reaches a relay (spec §6 config:
// "network ∈ {direct, socks(addr)}").
type NetworkMode int

const (
	NetworkDirect NetworkMode = iota
	NetworkSocks
)

// Config parameterizes a single dial attempt.
type Config struct {
	Host            string
	Port            string
	KeyHash         [32]byte
	Network         NetworkMode
	SocksAddr       string
	ConnectTimeout  time.Duration
	BlockSize       int
	MinTLSVersion   uint16
}

// DefaultBlockSize matches the spec's example relay block size (§6).
const DefaultBlockSize = 16384

// Conn is one established, framed relay connection.
type Conn struct {
	raw       net.Conn
	tlsConn   *tls.Conn
	blockSize int
	sessionId []byte
	log       *slog.Logger
}

// Dial opens a TLS connection to cfg.Host:cfg.Port, pinning the server's
// leaf certificate by SHA-256 fingerprint instead of verifying a CA
// chain (spec §6: "pins the server's certificate by SHA-256" —
// fingerprint pinning replaces hostname/chain verification entirely, the
// same "identity by key, not by CA" posture the relay link format uses
// for addressing).
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	rawConn, err := dialRaw(ctx, cfg, timeout)
	if err != nil {
		return nil, agenterr.Broker(cfg.Host, agenterr.BrokerNetwork, err)
	}

	minVersion := cfg.MinTLSVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS13
	}
	tlsConf := &tls.Config{
		MinVersion:         minVersion,
		InsecureSkipVerify: true, // identity is established by key-hash pinning below, not the CA chain
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyKeyHash(rawCerts, cfg.KeyHash)
		},
	}
	tlsConn := tls.Client(rawConn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, agenterr.Broker(cfg.Host, agenterr.BrokerNetwork, err)
	}

	sessionId := tlsConn.ConnectionState().TLSUnique
	log.Debug("transport dialed", "host", cfg.Host, "port", cfg.Port, "session_len", len(sessionId))

	return &Conn{raw: rawConn, tlsConn: tlsConn, blockSize: cfg.BlockSize, sessionId: sessionId, log: log}, nil
}

func dialRaw(ctx context.Context, cfg Config, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	switch cfg.Network {
	case NetworkSocks:
		dialer, err := proxy.SOCKS5("tcp", cfg.SocksAddr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		type contextDialer interface {
			DialContext(ctx context.Context, network, address string) (net.Conn, error)
		}
		if cd, ok := dialer.(contextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return dialer.Dial("tcp", addr)
	default:
		d := &net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

func verifyKeyHash(rawCerts [][]byte, want [32]byte) error {
	if len(rawCerts) == 0 {
		return errors.New("transport: no certificate presented")
	}
	got := sha256.Sum256(rawCerts[0])
	if got != want {
		return fmt.Errorf("transport: certificate key hash mismatch: got %x, want %x", got, want)
	}
	return nil
}

// SessionId returns the TLS Finished channel binding (tls-unique) used
// as the session identifier in every pre-handshake authorization
// (spec §6).
func (c *Conn) SessionId() []byte { return c.sessionId }

// Close closes the underlying TLS connection.
func (c *Conn) Close() error { return c.tlsConn.Close() }

// WriteTransmission frames a single transmission into a block and
// writes it.
func (c *Conn) WriteTransmission(transmission []byte) error {
	block, err := wire.EncodeBlock(transmission, c.blockSize)
	if err != nil {
		return err
	}
	_, err = c.tlsConn.Write(block)
	if err != nil {
		return agenterr.Broker("", agenterr.BrokerNetwork, err)
	}
	return nil
}

// WriteBatch frames up to wire.MaxBatchCount transmissions into one
// block and writes it.
func (c *Conn) WriteBatch(transmissions [][]byte) error {
	block, err := wire.EncodeBatch(transmissions, c.blockSize)
	if err != nil {
		return err
	}
	_, err = c.tlsConn.Write(block)
	if err != nil {
		return agenterr.Broker("", agenterr.BrokerNetwork, err)
	}
	return nil
}

// ReadBlock reads exactly one block and returns its single transmission.
func (c *Conn) ReadBlock() ([]byte, error) {
	buf := make([]byte, c.blockSize)
	if _, err := readFull(c.tlsConn, buf); err != nil {
		return nil, agenterr.Broker("", agenterr.BrokerNetwork, err)
	}
	return wire.DecodeBlock(buf)
}

// ReadBatch reads exactly one block and returns its batched
// transmissions.
func (c *Conn) ReadBatch() ([][]byte, error) {
	buf := make([]byte, c.blockSize)
	if _, err := readFull(c.tlsConn, buf); err != nil {
		return nil, agenterr.Broker("", agenterr.BrokerNetwork, err)
	}
	return wire.DecodeBatch(buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
