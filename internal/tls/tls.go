// Package tls builds the API server's TLS configuration.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/helmd/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// parseVersion maps "1.2"/"1.3" (and TLS-prefixed spellings) to a version
// constant. Empty means 1.2.
func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", v)
}

// Setup returns nil when TLS is disabled. Certificates are read on every
// handshake so rotated files take effect without a restart.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		if c.Dir == "" {
			return nil, errors.New("TLS enabled but no certificate configured")
		}
		certPath = filepath.Join(c.Dir, certName)
		keyPath = filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := GenerateSelfSigned(certPath, keyPath, c.Hosts); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail fast on an unreadable pair instead of at the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 minimum version is configurable
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
