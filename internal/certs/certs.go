// Package certs generates the self-signed ECDSA P-256 certificate a host
// presents over QUIC, and builds TLS configs that pin it by SHA-256
// fingerprint instead of trusting a CA.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// MaxValidity caps certificate lifetime. Hosts regenerate on start, so a
// short lifetime costs nothing.
const MaxValidity = 14 * 24 * time.Hour

var (
	ErrFingerprintMismatch = errors.New("certs: peer certificate fingerprint mismatch")
	ErrNoCertificate       = errors.New("certs: peer presented no certificate")
	ErrBadFingerprint      = errors.New("certs: malformed fingerprint")
)

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// Generate creates a self-signed certificate for localhost plus any extra
// DNS names or IP addresses in hosts. Validity outside (0, MaxValidity] is
// clamped to MaxValidity.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity > MaxValidity || validity <= 0 {
		validity = MaxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "farplay"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	// DER keeps whole seconds; report what Load will read back.
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// ParseFingerprint accepts a SHA-256 fingerprint as hex (colons allowed) or
// standard base64.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	s = strings.TrimSpace(s)

	if raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", "")); err == nil && len(raw) == len(fp) {
		copy(fp[:], raw)
		return fp, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == len(fp) {
		copy(fp[:], raw)
		return fp, nil
	}
	return fp, fmt.Errorf("%w: %q", ErrBadFingerprint, s)
}

// ServerTLSConfig returns a TLS config presenting c for the given ALPN.
func ServerTLSConfig(c *CertInfo, alpn string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
}

// PinnedTLSConfig returns a client TLS config that accepts exactly the leaf
// certificate whose SHA-256 digest is fingerprint.
func PinnedTLSConfig(fingerprint [32]byte, alpn string) *tls.Config {
	return &tls.Config{
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
		// Chain verification is replaced by the pin below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoCertificate
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], fingerprint[:]) {
				return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, hex.EncodeToString(got[:]))
			}
			return nil
		},
	}
}

// Save writes the certificate and key as PEM files.
func Save(c *CertInfo, certFile, keyFile string) error {
	key, ok := c.TLSCert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("certs: unsupported key type %T", c.TLSCert.PrivateKey)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.TLSCert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Load reads a PEM certificate and key written by Save. An expired
// certificate is an error so callers can regenerate.
func Load(certFile, keyFile string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	if time.Now().After(leaf.NotAfter) {
		return nil, fmt.Errorf("certs: certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	}
	return &CertInfo{
		TLSCert:     pair,
		Fingerprint: sha256.Sum256(pair.Certificate[0]),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// LoadOrGenerate loads the pair when both paths are set and valid, and
// otherwise generates a fresh certificate, saving it when paths are set.
func LoadOrGenerate(certFile, keyFile string, validity time.Duration, hosts ...string) (*CertInfo, error) {
	if certFile != "" && keyFile != "" {
		if c, err := Load(certFile, keyFile); err == nil {
			return c, nil
		}
	}
	c, err := Generate(validity, hosts...)
	if err != nil {
		return nil, err
	}
	if certFile != "" && keyFile != "" {
		if err := Save(c, certFile, keyFile); err != nil {
			return nil, err
		}
	}
	return c, nil
}
