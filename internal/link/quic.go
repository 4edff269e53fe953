package link

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const quicScheme = "quic://"

// QUICProtocol is the ALPN name of the remote cart link.
const QUICProtocol = "ultragdb-cart"

// quicDialTimeout bounds the handshake in OpenDevice.
const quicDialTimeout = 10 * time.Second

// quicConn carries the cart byte stream on one bidirectional QUIC stream.
type quicConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	c.Stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

// DialQUIC connects to a cart served with ListenQUIC. The peer only sees the
// stream once data flows, so the dialer opens it with an all-zero chunk,
// which carries no frame.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{KeepAlivePeriod: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dial %s%s: %w", quicScheme, addr, err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	c := &quicConn{Stream: str, conn: conn}
	if _, err := c.Write(make([]byte, ChunkSize)); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// QUICListener accepts remote hosts. It satisfies net.Listener.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC listens for hosts on a UDP address.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{KeepAlivePeriod: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for a host and its stream.
func (l *QUICListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			return nil, err
		}
		str, err := conn.AcceptStream(conn.Context())
		if err != nil {
			// the host went away during setup, wait for the next one
			continue
		}
		return &quicConn{Stream: str, conn: conn}, nil
	}
}

func (l *QUICListener) Close() error   { return l.ln.Close() }
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// ClientTLS is the host side TLS configuration. The remote cart presents a
// self-signed certificate, so it is not verified; use the link on trusted
// networks only.
func ClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{QUICProtocol},
	}
}

// SelfSignedTLS creates an in-memory certificate for the given hosts.
func SelfSignedTLS(hosts []string, validFor time.Duration) (*tls.Config, error) {
	if validFor <= 0 {
		validFor = 24 * time.Hour
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{QUICProtocol},
	}, nil
}
