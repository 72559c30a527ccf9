// Package certutil generates and inspects the relay's TLS certificates.
//
// Relay endpoints are usually self-signed; clients pin the certificate by its
// SHA-256 fingerprint instead of trusting a CA chain.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fingerprintPrefix = "sha256:"

// ErrInvalidPEM is returned when PEM input cannot be decoded.
var ErrInvalidPEM = errors.New("invalid PEM data")

// Options configures server certificate generation.
type Options struct {
	// CommonName is the subject CN.
	CommonName string

	// Organization for the certificate subject.
	Organization string

	// Hosts lists DNS names and IP addresses placed in the SANs.
	Hosts []string

	// ValidFor is the certificate validity duration.
	ValidFor time.Duration
}

// DefaultOptions returns options for a relay certificate valid for localhost.
func DefaultOptions(commonName string) Options {
	return Options{
		CommonName:   commonName,
		Organization: "Relaybridge",
		Hosts:        []string{commonName, "localhost", "127.0.0.1", "::1"},
		ValidFor:     365 * 24 * time.Hour,
	}
}

// Cert is a certificate with its private key.
type Cert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the pinning fingerprint of the certificate.
func (c *Cert) Fingerprint() string {
	return Fingerprint(c.Certificate)
}

// TLSCertificate returns a tls.Certificate for use in a server config.
func (c *Cert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(c.CertPEM, c.KeyPEM)
}

// SaveToFiles writes the certificate and key, creating parent directories.
// The key file is written with owner-only permissions.
func (c *Cert) SaveToFiles(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// Generate creates a self-signed ECDSA P-256 server certificate.
func Generate(opts Options) (*Cert, error) {
	if opts.CommonName == "" {
		return nil, errors.New("common name is required")
	}
	if opts.ValidFor <= 0 {
		return nil, errors.New("validity must be positive")
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Load reads a certificate and key from files.
func Load(certPath, keyPath string) (*Cert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// Parse decodes a PEM certificate and ECDSA key in SEC1 or PKCS#8 form.
func Parse(certPEM, keyPEM []byte) (*Cert, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("private key: %w", ErrInvalidPEM)
	}

	var privateKey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		privateKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if privateKey, ok = key.(*ecdsa.PrivateKey); !ok {
			return nil, errors.New("private key is not ECDSA")
		}
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("certificate: %w", ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint returns "sha256:" followed by the hex digest of the DER bytes.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}

// FingerprintFromFile returns the fingerprint of a PEM certificate file.
func FingerprintFromFile(certPath string) (string, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return "", err
	}
	return Fingerprint(cert), nil
}

// NormalizeFingerprint lowercases a fingerprint, strips colon separators and
// adds the sha256 prefix when missing.
func NormalizeFingerprint(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	fp = strings.TrimPrefix(fp, fingerprintPrefix)
	fp = strings.ReplaceAll(fp, ":", "")
	return fingerprintPrefix + fp
}

// VerifyFingerprint reports whether cert matches the expected fingerprint.
func VerifyFingerprint(cert *x509.Certificate, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return false
	}
	return Fingerprint(cert) == NormalizeFingerprint(expected)
}

// Info describes a certificate for display.
type Info struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string
	DNSNames    []string
	IPAddresses []string
	SelfSigned  bool
}

// Describe extracts display information from a certificate.
func Describe(cert *x509.Certificate) Info {
	info := Info{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: Fingerprint(cert),
		DNSNames:    cert.DNSNames,
		SelfSigned:  cert.Subject.String() == cert.Issuer.String(),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// DescribeFile reads a PEM certificate file and describes it.
func DescribeFile(certPath string) (*Info, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	info := Describe(cert)
	return &info, nil
}

// IsExpiringSoon reports whether cert expires within the given duration.
func IsExpiringSoon(cert *x509.Certificate, within time.Duration) bool {
	return time.Now().Add(within).After(cert.NotAfter)
}
