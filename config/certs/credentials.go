package certs

import (
	"fmt"
	"net"

	"github.com/sushant-115/txbridge/core/security/encryption/internaltls"
	"github.com/sushant-115/txbridge/pkg/config"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerCredentials returns the gRPC transport credentials for cfg.Mode.
func ServerCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	switch cfg.Mode {
	case config.TLSOff, "":
		return insecure.NewCredentials(), nil
	case config.TLSDev:
		return credentials.NewTLS(internaltls.DevServerConfig()), nil
	case config.TLSMTLS:
		tlsCfg, err := LoadServerTLSConfig(cfg.CACert, cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		return credentials.NewTLS(tlsCfg), nil
	}
	return nil, fmt.Errorf("unknown tls mode %q", cfg.Mode)
}

// ClientCredentials returns the credentials a client uses to reach addr.
// In mtls mode the server certificate must be issued for addr's host.
func ClientCredentials(cfg config.TLSConfig, addr string) (credentials.TransportCredentials, error) {
	switch cfg.Mode {
	case config.TLSOff, "":
		return insecure.NewCredentials(), nil
	case config.TLSDev:
		return credentials.NewTLS(internaltls.DevClientConfig()), nil
	case config.TLSMTLS:
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsCfg, err := LoadClientTLSConfig(cfg.CACert, cfg.Cert, cfg.Key, host)
		if err != nil {
			return nil, err
		}
		return credentials.NewTLS(tlsCfg), nil
	}
	return nil, fmt.Errorf("unknown tls mode %q", cfg.Mode)
}
