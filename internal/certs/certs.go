// Package certs issues and reuses the self-signed certificate that lets the
// webhook server accept Telegram deliveries over HTTPS without a public CA.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
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
)

// validity is how long an issued certificate lasts. Renewal happens on the
// first load within renewBefore of expiry.
const (
	validity    = 365 * 24 * time.Hour
	renewBefore = 14 * 24 * time.Hour
)

// FileManager keeps a webhook certificate and key in a directory.
type FileManager struct {
	now      func() time.Time
	certDir  string
	certFile string
	keyFile  string
	host     string
}

// NewFileManager creates a manager issuing certificates for host, which must
// be the domain name or IP address in the webhook URL.
func NewFileManager(certDir, host string) *FileManager {
	return &FileManager{
		certDir:  certDir,
		certFile: filepath.Join(certDir, "webhook.crt"),
		keyFile:  filepath.Join(certDir, "webhook.key"),
		host:     host,
		now:      time.Now,
	}
}

// CertFile is the path of the PEM certificate to upload with setWebhook.
func (m *FileManager) CertFile() string {
	return m.certFile
}

// KeyFile is the path of the PEM private key.
func (m *FileManager) KeyFile() string {
	return m.keyFile
}

// GetOrCreateCertificate returns the stored certificate, issuing a new one
// when it is missing, unreadable, issued for another host or close to expiry.
func (m *FileManager) GetOrCreateCertificate() (tls.Certificate, error) {
	if m.host == "" {
		return tls.Certificate{}, fmt.Errorf("certificate host is required")
	}

	exists, err := m.CertificateExists()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to check certificate existence: %w", err)
	}
	if exists {
		cert, loadErr := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if loadErr == nil && m.verifyCertificate(cert) == nil {
			return cert, nil
		}
		if err := m.removeCertificates(); err != nil {
			return tls.Certificate{}, err
		}
	}

	return m.generateCertificate()
}

// PEM returns the encoded certificate, creating it if needed.
func (m *FileManager) PEM() ([]byte, error) {
	if _, err := m.GetOrCreateCertificate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return data, nil
}

// CertificateExists checks if both certificate and key files exist.
func (m *FileManager) CertificateExists() (bool, error) {
	for _, path := range []string{m.certFile, m.keyFile} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to check %s: %w", filepath.Base(path), err)
		}
	}
	return true, nil
}

func (m *FileManager) generateCertificate() (tls.Certificate, error) {
	if err := os.MkdirAll(m.certDir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := m.now()
	template := x509.Certificate{
		SerialNumber: serial,
		// Telegram matches the webhook host against the common name.
		Subject: pkix.Name{
			CommonName:   m.host,
			Organization: []string{"ledgerbot"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(m.host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{m.host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := writePEM(m.certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := writePEM(m.keyFile, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write private key: %w", err)
	}

	return tls.LoadX509KeyPair(m.certFile, m.keyFile)
}

func writePEM(path string, block *pem.Block) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, block); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// verifyCertificate checks that a certificate matches the host and is not about to expire.
func (m *FileManager) verifyCertificate(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return fmt.Errorf("no certificates found")
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := m.now()
	if now.Before(x509Cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid")
	}
	if now.Add(renewBefore).After(x509Cert.NotAfter) {
		return fmt.Errorf("certificate expires %s", x509Cert.NotAfter.Format(time.DateOnly))
	}
	if err := x509Cert.VerifyHostname(m.host); err != nil {
		return fmt.Errorf("certificate not valid for %s: %w", m.host, err)
	}

	return nil
}

func (m *FileManager) removeCertificates() error {
	if err := os.Remove(m.certFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove certificate file: %w", err)
	}
	if err := os.Remove(m.keyFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key file: %w", err)
	}
	return nil
}
