package auth

import (
	"crypto/ed25519"
	"crypto/rand"
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

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// CertManager issues Ed25519 certificates for storage elements and clients
// from a CA kept in one directory.
type CertManager struct {
	dir    string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager loads the CA from dir when one exists there.
func NewCertManager(dir string) (*CertManager, error) {
	cm := &CertManager{dir: dir}

	if _, err := os.Stat(filepath.Join(dir, caCertFile)); err == nil {
		if err := cm.loadCA(); err != nil {
			return nil, fmt.Errorf("failed to load existing CA: %w", err)
		}
	}
	return cm, nil
}

func (cm *CertManager) HasCA() bool { return cm.caCert != nil }

// CAPath is the certificate file clients and servers trust.
func (cm *CertManager) CAPath() string { return filepath.Join(cm.dir, caCertFile) }

// GenerateCA creates a self-signed CA and saves it to the manager's
// directory.
func (cm *CertManager) GenerateCA(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"gridxfer"},
			CommonName:   name + "-CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := os.MkdirAll(cm.dir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	if err := savePair(cert, priv, cm.CAPath(), filepath.Join(cm.dir, caKeyFile)); err != nil {
		return fmt.Errorf("failed to save CA: %w", err)
	}

	cm.caCert = cert
	cm.caKey = priv
	return nil
}

// Issue signs a certificate for name, valid for both server and client
// authentication, and writes <name>.crt and <name>.key into the manager's
// directory. Addresses become IP or DNS subject alternative names.
func (cm *CertManager) Issue(name string, addresses []string, validity time.Duration) (certPath, keyPath string, err error) {
	if cm.caCert == nil || cm.caKey == nil {
		return "", "", fmt.Errorf("CA not initialized")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"gridxfer"},
			CommonName:   name,
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPath = filepath.Join(cm.dir, name+".crt")
	keyPath = filepath.Join(cm.dir, name+".key")
	if err := savePair(cert, priv, certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// Verify checks cert against the CA.
func (cm *CertManager) Verify(cert *x509.Certificate) error {
	if cm.caCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

func (cm *CertManager) loadCA() error {
	cert, err := LoadCertificate(cm.CAPath())
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(filepath.Join(cm.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("failed to parse key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("CA private key is not Ed25519")
	}

	cm.caCert = cert
	cm.caKey = edKey
	return nil
}

func LoadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func savePair(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}
