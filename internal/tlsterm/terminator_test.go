package tlsterm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestHandshakeSucceedsAndNegotiatesALPN(t *testing.T) {
	cert := selfSignedCert(t)
	term := New(Options{
		Certificates:     []tls.Certificate{cert},
		ALPNProtocols:    []string{"http/1.1"},
		HandshakeTimeout: time.Second,
	})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	var handshakeErr error
	go func() {
		_, handshakeErr = term.Handshake(context.Background(), serverConn)
		close(done)
	}()

	clientTLS := tls.Client(clientConn, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	err := clientTLS.Handshake()
	require.NoError(t, err)

	<-done
	require.NoError(t, handshakeErr)
}

func TestHandshakeTimesOutOnSilentPeer(t *testing.T) {
	cert := selfSignedCert(t)
	term := New(Options{
		Certificates:     []tls.Certificate{cert},
		HandshakeTimeout: 20 * time.Millisecond,
	})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	_, err := term.Handshake(context.Background(), serverConn)
	require.Error(t, err)
	require.Equal(t, int64(1), term.HandshakeFailures())
}
