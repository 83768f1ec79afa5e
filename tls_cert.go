package main

import (
	"context"
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
	"sync"
	"time"
)

const certCheckInterval = time.Hour

// loadStratumTLSConfig returns a TLS config for the stratum TLS ports. With
// no configured pair a self-signed one is created under the data dir.
func loadStratumTLSConfig(ctx context.Context, cfg Config) (*tls.Config, error) {
	certPath, keyPath := cfg.TLSCertFile, cfg.TLSKeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "state", "stratum_cert.pem")
		keyPath = filepath.Join(cfg.DataDir, "state", "stratum_key.pem")
		if err := ensureSelfSignedCert(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("self-signed cert: %w", err)
		}
	}
	cr, err := newCertReloader(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	go cr.watch(ctx)
	return &tls.Config{
		GetCertificate: cr.getCertificate,
		MinVersion:     tls.VersionTLS12,
	}, nil
}

// ensureSelfSignedCert leaves an existing pair alone.
func ensureSelfSignedCert(certPath, keyPath string) error {
	if fileExists(certPath) && fileExists(keyPath) {
		return nil
	}
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	notBefore := time.Now().Add(-time.Hour)
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: poolSoftwareName + " stratum"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// certReloader serves the newest certificate on disk so renewed pairs are
// picked up without a restart.
type certReloader struct {
	certPath string
	keyPath  string

	mu      sync.RWMutex
	cert    *tls.Certificate
	modTime time.Time
}

func newCertReloader(certPath, keyPath string) (*certReloader, error) {
	cr := &certReloader{certPath: certPath, keyPath: keyPath}
	if err := cr.reload(); err != nil {
		return nil, err
	}
	return cr, nil
}

func (cr *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certPath, cr.keyPath)
	if err != nil {
		return fmt.Errorf("load cert: %w", err)
	}
	info, err := os.Stat(cr.certPath)
	if err != nil {
		return fmt.Errorf("stat cert: %w", err)
	}
	cr.mu.Lock()
	cr.cert = &cert
	cr.modTime = info.ModTime()
	cr.mu.Unlock()
	return nil
}

func (cr *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cert, nil
}

func (cr *certReloader) watch(ctx context.Context) {
	ticker := time.NewTicker(certCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cr.reloadIfChanged()
		}
	}
}

func (cr *certReloader) reloadIfChanged() bool {
	info, err := os.Stat(cr.certPath)
	if err != nil {
		logger.Warn("stat tls cert", "path", cr.certPath, "error", err)
		return false
	}
	cr.mu.RLock()
	changed := info.ModTime().After(cr.modTime)
	cr.mu.RUnlock()
	if !changed {
		return false
	}
	if err := cr.reload(); err != nil {
		logger.Error("tls cert reload failed", "path", cr.certPath, "error", err)
		return false
	}
	logger.Info("tls certificate reloaded", "path", cr.certPath)
	return true
}
