// Package auth builds the TLS configuration for storage element traffic and
// issues the certificates it uses.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"
)

// TLSConfig is shared by element servers and the clients that reach them.
// With Enabled false element connections are plaintext; access tickets still
// guard every request.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`

	// Servers only: demand a client certificate signed by the CA
	RequireClientAuth bool `yaml:"require_client_auth"`
	// Certificate common names accepted from peers; empty accepts any
	// certificate the CA signed
	AllowedNames  []string `yaml:"allowed_names"`
	MinTLSVersion string   `yaml:"min_tls_version"`
}

func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAPath == "" {
		return fmt.Errorf("tls.ca_path is required when TLS is enabled")
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return fmt.Errorf("tls.cert_path and tls.key_path must be set together")
	}
	switch c.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported tls.min_tls_version %q", c.MinTLSVersion)
	}
	return nil
}

// ServerConfig returns nil when TLS is disabled.
func (c *TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.CertPath == "" {
		return nil, fmt.Errorf("a server certificate is required when TLS is enabled")
	}

	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.tlsVersion(),
		CipherSuites: cipherSuites(),
	}

	if c.RequireClientAuth {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
		tlsConfig.VerifyPeerCertificate = c.verifyPeerName
	}

	return tlsConfig, nil
}

// ClientConfig returns nil when TLS is disabled.
func (c *TLSConfig) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	pool, err := loadCAPool(c.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:      pool,
		MinVersion:   c.tlsVersion(),
		CipherSuites: cipherSuites(),
	}

	if c.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if len(c.AllowedNames) > 0 {
		tlsConfig.VerifyPeerCertificate = c.verifyPeerName
	}

	return tlsConfig, nil
}

// verifyPeerName runs after chain verification.
func (c *TLSConfig) verifyPeerName(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided")
	}
	if len(c.AllowedNames) == 0 {
		return nil
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	if !slices.Contains(c.AllowedNames, cert.Subject.CommonName) {
		return fmt.Errorf("peer %s not allowed", cert.Subject.CommonName)
	}
	return nil
}

func (c *TLSConfig) tlsVersion() uint16 {
	if c.MinTLSVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// cipherSuites only matter for TLS 1.2.
func cipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
