// Package certs loads and generates the certificates of the bridge's mutual
// TLS setup.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// LoadServerTLSConfig requires and verifies client certificates signed by
// the CA at caCertPath.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, pool, err := loadPair(caCertPath, serverCertPath, serverKeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig presents the client certificate and verifies the
// server's certificate against the CA and serverName.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath, serverName string) (*tls.Config, error) {
	cert, pool, err := loadPair(caCertPath, clientCertPath, clientKeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadPair(caCertPath, certPath, keyPath string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("could not load key pair %s: %w", certPath, err)
	}
	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates in %s", caCertPath)
	}
	return cert, pool, nil
}

// --- Certificate Generation ---

// validity of every generated certificate.
const validity = 365 * 24 * time.Hour

// GenerateCerts writes a CA plus a server certificate for serverName and a
// client certificate, all signed by the CA, into dir: ca.crt, ca.key,
// server.crt, server.key, client.crt, client.key.
func GenerateCerts(dir, serverName string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caTemplate, err := template(pkix.Name{Organization: []string{"txbridge CA"}, CommonName: "txbridge CA"})
	if err != nil {
		return err
	}
	caTemplate.IsCA = true
	caTemplate.BasicConstraintsValid = true
	caTemplate.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	caCert, err := sign(caTemplate, caTemplate, caKey, caKey)
	if err != nil {
		return err
	}
	if err := writePair(dir, "ca", caCert, caKey); err != nil {
		return err
	}

	for _, leaf := range []struct {
		name  string
		cn    string
		usage x509.ExtKeyUsage
	}{
		{"server", serverName, x509.ExtKeyUsageServerAuth},
		{"client", "client", x509.ExtKeyUsageClientAuth},
	} {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		tmpl, err := template(pkix.Name{CommonName: leaf.cn})
		if err != nil {
			return err
		}
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{leaf.usage}
		addSANs(tmpl, leaf.cn)
		cert, err := sign(tmpl, caCert, key, caKey)
		if err != nil {
			return fmt.Errorf("failed to sign %s certificate: %w", leaf.name, err)
		}
		if err := writePair(dir, leaf.name, cert, key); err != nil {
			return err
		}
	}
	return nil
}

func template(subject pkix.Name) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
	}, nil
}

// addSANs sets the subject alternative names Go verifies against; localhost
// also covers the loopback addresses.
func addSANs(tmpl *x509.Certificate, host string) {
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
		return
	}
	tmpl.DNSNames = []string{host}
	if host == "localhost" {
		tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}
}

func sign(tmpl, parent *x509.Certificate, key, signer *ecdsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// writePair writes <name>.crt and <name>.key; the key file is private to the
// owner.
func writePair(dir, name string, cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPEM, 0o644); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0o600)
}
