package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "srv.crt")
	keyPath := filepath.Join(dir, "srv.key")

	require.NoError(t, GenerateSelfSigned(certPath, keyPath))

	_, err := tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)

	raw, err := os.ReadFile(certPath)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "bonproxy", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "localhost")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestServerConfigGeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "srv.crt")
	keyPath := filepath.Join(dir, "srv.key")

	cfg, err := ServerConfig(Options{ServerCert: certPath, ServerKey: keyPath})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	// second call reuses the pair on disk
	first, err := os.ReadFile(certPath)
	require.NoError(t, err)
	_, err = ServerConfig(Options{ServerCert: certPath, ServerKey: keyPath})
	require.NoError(t, err)
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestServerConfigClientAuth(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "srv.crt")
	keyPath := filepath.Join(dir, "srv.key")
	require.NoError(t, GenerateSelfSigned(certPath, keyPath))

	cfg, err := ServerConfig(Options{
		CACert:            certPath,
		ServerCert:        certPath,
		ServerKey:         keyPath,
		RequireClientCert: true,
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = ServerConfig(Options{ServerCert: certPath, ServerKey: keyPath, RequireClientCert: true})
	assert.Error(t, err)
}
