// Package identity manages the host's self-signed TLS credentials.
//
// The certificate is never chain-validated by peers; trust is established by
// comparing its SHA-256 fingerprint against the value learned at discovery
// time (fingerprint pinning).
package identity

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
	"strings"
	"time"
)

const (
	// CertificateValidity is the lifetime of a freshly generated certificate.
	CertificateValidity = 365 * 24 * time.Hour
	// CertificateOrganization is embedded in the certificate subject.
	CertificateOrganization = "lanbeam"

	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"
)

// ErrGenerate indicates key or certificate generation failed. This is fatal
// to startup: neither discovery nor listening can proceed without credentials.
var ErrGenerate = errors.New("identity: credential generation failed")

// Credentials holds the host key pair and self-signed certificate.
type Credentials struct {
	TLSCertificate tls.Certificate
	Leaf           *x509.Certificate
	// Fingerprint is the uppercase hex SHA-256 digest of the certificate DER.
	Fingerprint string
}

// EnsureCredentials loads credentials from disk, generating and persisting a
// fresh pair on first run or when the stored certificate is expired or
// unreadable.
func EnsureCredentials(certPath, keyPath string) (*Credentials, error) {
	creds, err := loadCredentials(certPath, keyPath)
	if err == nil && time.Now().Before(creds.Leaf.NotAfter) {
		return creds, nil
	}

	creds, err = generateCredentials()
	if err != nil {
		return nil, err
	}
	if err := saveCredentials(certPath, keyPath, creds); err != nil {
		return nil, err
	}

	return creds, nil
}

// Fingerprint returns the uppercase hex SHA-256 digest of a certificate's
// DER encoding.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// FingerprintsEqual compares two fingerprints ignoring case.
func FingerprintsEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FormatFingerprint groups a fingerprint into space-separated blocks for
// human comparison.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

func generateCredentials() (*Credentials, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate P-256 key: %v", ErrGenerate, err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %v", ErrGenerate, err)
	}

	hostname, _ := os.Hostname()
	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{CertificateOrganization},
			CommonName:   hostname,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(CertificateValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: create certificate: %v", ErrGenerate, err)
	}

	return credentialsFromDER(der, key)
}

func credentialsFromDER(der []byte, key *ecdsa.PrivateKey) (*Credentials, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrGenerate, err)
	}

	return &Credentials{
		TLSCertificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:        leaf,
		Fingerprint: Fingerprint(der),
	}, nil
}

func loadCredentials(certPath, keyPath string) (*Credentials, error) {
	certRaw, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyRaw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	certBlock, _ := pem.Decode(certRaw)
	if certBlock == nil || certBlock.Type != certificatePEMType {
		return nil, errors.New("decode certificate PEM: no certificate block")
	}
	keyBlock, _ := pem.Decode(keyRaw)
	if keyBlock == nil || keyBlock.Type != privateKeyPEMType {
		return nil, errors.New("decode private key PEM: no EC private key block")
	}

	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC private key: %w", err)
	}

	return credentialsFromDER(certBlock.Bytes, key)
}

func saveCredentials(certPath, keyPath string, creds *Credentials) error {
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  certificatePEMType,
		Bytes: creds.TLSCertificate.Certificate[0],
	})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(creds.TLSCertificate.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return fmt.Errorf("marshal EC private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyPEMType,
		Bytes: keyBytes,
	})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}
