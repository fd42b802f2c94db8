package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "offpay-v1"

// quicLinger bounds how long a listener-side Close waits for the payer to hang
// up first, so the final frame is not cut off by CONNECTION_CLOSE.
const quicLinger = 2 * time.Second

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate so dialers can
// pin it without a PKI. Payment authenticity comes from token signatures,
// not from the carrier.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("offpay-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func quicServerTLS() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func quicClientTLS() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{quicALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       30 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
	}
}

// QUICDialer dials quic://host:port and opens one bidirectional stream.
type QUICDialer struct{}

func (QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	_, u, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	tlsConf, err := quicClientTLS()
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, u.Host, tlsConf, quicConfig())
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, mapErr(ctx, err)
	}
	return newStreamConn(st, func() error { return qc.CloseWithError(0, "") }), nil
}

// QUICListener accepts one payment stream per QUIC connection.
type QUICListener struct {
	ln   *quic.Listener
	once sync.Once
}

// ListenQUIC binds quic://host:port (UDP).
func ListenQUIC(addr string) (*QUICListener, error) {
	_, u, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	tlsConf, err := quicServerTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(u.Host, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Addr() string { return "quic://" + l.ln.Addr().String() }

func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, mapErr(ctx, err)
	}
	return newStreamConn(st, func() error {
		select {
		case <-qc.Context().Done():
		case <-time.After(quicLinger):
		}
		return qc.CloseWithError(0, "")
	}), nil
}

func (l *QUICListener) Close() error {
	var err error
	l.once.Do(func() { err = l.ln.Close() })
	return err
}
