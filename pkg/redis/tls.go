package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSOptions describes the files used to secure the Redis connection.
type TLSOptions struct {
	Enabled    bool
	CACert     string
	Cert       string
	Key        string
	ServerName string
}

// BuildTLSConfig returns nil when TLS is disabled.
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}

	caCertPath := strings.TrimSpace(opts.CACert)
	certPath := strings.TrimSpace(opts.Cert)
	keyPath := strings.TrimSpace(opts.Key)

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("redis tls cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(opts.ServerName),
	}

	if caCertPath != "" {
		caBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("append redis ca cert: no valid certificates found")
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
