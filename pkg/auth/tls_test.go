package auth

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCA(t *testing.T) *CertManager {
	t.Helper()
	cm, err := NewCertManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cm.GenerateCA("test", time.Hour))
	return cm
}

func TestCertManagerReloadsCA(t *testing.T) {
	cm := newCA(t)
	certPath, _, err := cm.Issue("SE-A", []string{"127.0.0.1", "se-a.example"}, time.Hour)
	require.NoError(t, err)

	reloaded, err := NewCertManager(cm.dir)
	require.NoError(t, err)
	assert.True(t, reloaded.HasCA())

	cert, err := LoadCertificate(certPath)
	require.NoError(t, err)
	assert.Equal(t, "SE-A", cert.Subject.CommonName)
	assert.Equal(t, []string{"se-a.example"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.NoError(t, reloaded.Verify(cert))

	other := newCA(t)
	assert.Error(t, other.Verify(cert))
}

func TestIssueNeedsCA(t *testing.T) {
	cm, err := NewCertManager(t.TempDir())
	require.NoError(t, err)
	assert.False(t, cm.HasCA())

	_, _, err = cm.Issue("SE-A", nil, time.Hour)
	assert.Error(t, err)
}

func TestTLSConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TLSConfig
		wantErr bool
	}{
		{"disabled", TLSConfig{}, false},
		{"ca only", TLSConfig{Enabled: true, CAPath: "ca.crt"}, false},
		{"missing ca", TLSConfig{Enabled: true, CertPath: "a.crt", KeyPath: "a.key"}, true},
		{"cert without key", TLSConfig{Enabled: true, CAPath: "ca.crt", CertPath: "a.crt"}, true},
		{"bad version", TLSConfig{Enabled: true, CAPath: "ca.crt", MinTLSVersion: "1.0"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDisabledTLSBuildsNothing(t *testing.T) {
	var cfg TLSConfig

	server, err := cfg.ServerConfig()
	require.NoError(t, err)
	assert.Nil(t, server)

	client, err := cfg.ClientConfig()
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestServerAndClientConfig(t *testing.T) {
	cm := newCA(t)
	certPath, keyPath, err := cm.Issue("SE-A", []string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	serverCfg := TLSConfig{
		Enabled:           true,
		CertPath:          certPath,
		KeyPath:           keyPath,
		CAPath:            cm.CAPath(),
		RequireClientAuth: true,
		MinTLSVersion:     "1.3",
	}
	server, err := serverCfg.ServerConfig()
	require.NoError(t, err)
	assert.Len(t, server.Certificates, 1)
	assert.Equal(t, tls.RequireAndVerifyClientCert, server.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS13), server.MinVersion)
	assert.NotNil(t, server.ClientCAs)

	clientCfg := TLSConfig{Enabled: true, CAPath: cm.CAPath()}
	client, err := clientCfg.ClientConfig()
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)
	assert.Empty(t, client.Certificates)
	assert.Nil(t, client.VerifyPeerCertificate)
	assert.Equal(t, uint16(tls.VersionTLS12), client.MinVersion)

	missing := TLSConfig{Enabled: true, CAPath: cm.CAPath()}
	_, err = missing.ServerConfig()
	assert.Error(t, err)
}

func TestVerifyPeerName(t *testing.T) {
	cm := newCA(t)
	certPath, _, err := cm.Issue("SE-A", nil, time.Hour)
	require.NoError(t, err)
	cert, err := LoadCertificate(certPath)
	require.NoError(t, err)

	allowed := TLSConfig{AllowedNames: []string{"SE-A", "SE-B"}}
	assert.NoError(t, allowed.verifyPeerName([][]byte{cert.Raw}, nil))

	denied := TLSConfig{AllowedNames: []string{"SE-B"}}
	assert.Error(t, denied.verifyPeerName([][]byte{cert.Raw}, nil))

	assert.Error(t, allowed.verifyPeerName(nil, nil))
}
