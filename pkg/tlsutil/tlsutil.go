// Package tlsutil provides TLS configuration utilities for client connections
// to the API and to NATS.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

// Config holds TLS configuration for a client.
// The system CA bundle is always trusted; CAFiles are additional trusted CAs.
type Config struct {
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`                     // "1.2" (default) or "1.3"

	// Client certificate for mutual TLS
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// IsZero reports whether cfg asks for nothing beyond the defaults.
func (cfg Config) IsZero() bool {
	return len(cfg.CAFiles) == 0 && !cfg.InsecureSkipVerify && cfg.MinVersion == "" &&
		cfg.CertFile == "" && cfg.KeyFile == ""
}

// Validate checks the fields without touching the filesystem.
func (cfg Config) Validate() error {
	switch cfg.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("min_version %q is not one of 1.2, 1.3", cfg.MinVersion)
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}

// LoadClientTLSConfig creates a tls.Config from cfg.
func LoadClientTLSConfig(cfg Config) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientTLSConfig", "validate config")
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.CAFiles) > 0 {
		rootCAs, err := x509.SystemCertPool()
		if err != nil {
			rootCAs = x509.NewCertPool()
		}
		for _, caFile := range cfg.CAFiles {
			caPEM, err := os.ReadFile(caFile)
			if err != nil {
				return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", fmt.Sprintf("read CA file %s", caFile))
			}
			if !rootCAs.AppendCertsFromPEM(caPEM) {
				return nil, errors.WrapFatal(
					fmt.Errorf("invalid PEM data"),
					"tlsutil",
					"LoadClientTLSConfig",
					fmt.Sprintf("parse CA certificate from %s", caFile),
				)
			}
		}
		tlsConfig.RootCAs = rootCAs
	}

	// Set only from configuration.
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

// HTTPTransport returns a copy of http.DefaultTransport using cfg, or nil when
// cfg is zero.
func HTTPTransport(cfg Config) (http.RoundTripper, error) {
	if cfg.IsZero() {
		return nil, nil
	}
	tlsConfig, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = tlsConfig
	return t, nil
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
