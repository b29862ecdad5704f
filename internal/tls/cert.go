// Package tls provides certificates for the BNDP listener: loading a
// configured pair, or generating a self-signed one when none exists.
package tls

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

	"github.com/bondnet/bonproxy/internal/log"
)

const (
	// DefaultCertPath is where a generated certificate lands.
	DefaultCertPath = "certs/bonproxy.crt"
	// DefaultKeyPath is where a generated key lands.
	DefaultKeyPath = "certs/bonproxy.key"

	selfSignedValidity = 10 * 365 * 24 * time.Hour
)

// Options selects the certificate material for the listener.
type Options struct {
	CACert            string
	ServerCert        string
	ServerKey         string
	RequireClientCert bool
}

// ServerConfig loads the certificate pair into a listener TLS config,
// generating a self-signed pair first when both paths are missing. With
// RequireClientCert set, clients must present a certificate signed by
// the configured CA.
func ServerConfig(opts Options) (*tls.Config, error) {
	certPath, keyPath, err := ensure(opts.ServerCert, opts.ServerKey)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tls: load keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if opts.CACert != "" {
		pemBytes, err := os.ReadFile(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("tls: read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("tls: no certificates in %s", opts.CACert)
		}
		cfg.ClientCAs = pool
	}
	if opts.RequireClientCert {
		if cfg.ClientCAs == nil {
			return nil, fmt.Errorf("tls: client certificates required without a CA")
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func ensure(certPath, keyPath string) (string, string, error) {
	if certPath == "" {
		certPath = DefaultCertPath
	}
	if keyPath == "" {
		keyPath = DefaultKeyPath
	}
	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)
	if certExists && keyExists {
		return certPath, keyPath, nil
	}

	logger := log.WithComponent("tls")
	if certExists != keyExists {
		logger.Warn().
			Bool("cert_exists", certExists).
			Bool("key_exists", keyExists).
			Msg("incomplete certificate pair, regenerating both")
	} else {
		logger.Info().
			Str("cert", certPath).
			Str("key", keyPath).
			Msg("generating self-signed certificate")
	}
	if err := GenerateSelfSigned(certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// GenerateSelfSigned writes a fresh ECDSA P-256 self-signed pair valid
// for localhost and the loopback addresses.
func GenerateSelfSigned(certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("tls: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("tls: serial: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "bonproxy", Organization: []string{"bonproxy"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("tls: create certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("tls: cert dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("tls: key dir: %w", err)
	}

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		return fmt.Errorf("tls: write cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("tls: marshal key: %w", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		return fmt.Errorf("tls: write key: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
