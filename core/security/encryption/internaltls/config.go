// Package internaltls builds a throwaway self-signed TLS pair for local
// development servers and tests. The certificate is generated once per process.
package internaltls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"
)

// ServerName is the name the dev certificate is issued for.
const ServerName = "localhost"

var (
	once       sync.Once
	serverConf *tls.Config
	certPool   *x509.CertPool
)

func generate() {
	once.Do(func() {
		serverConf, certPool = generateDevTLSConfig()
	})
}

// DevServerConfig returns the server side of the pair.
func DevServerConfig() *tls.Config {
	generate()
	return serverConf.Clone()
}

// DevClientConfig returns a client config that trusts only the dev
// certificate.
func DevClientConfig() *tls.Config {
	generate()
	return &tls.Config{
		RootCAs:    certPool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2"},
	}
}

func generateDevTLSConfig() (*tls.Config, *x509.CertPool) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"txbridge dev"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{ServerName},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		panic(err)
	}
	serverTLSConf := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: leafCert}},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2"},
	}
	pool := x509.NewCertPool()
	pool.AddCert(leafCert)
	return serverTLSConf, pool
}
