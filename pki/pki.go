// Package pki generates certificate signing requests for pseudonymous
// client identities, signs them with an embedded issuing CA (or refuses to,
// for the not yet supported external CA protocol) and packages the results
// into PKCS#12 credentials.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrExpiredUser is returned when the account has already expired, so no
	// certificate may be issued for it.
	ErrExpiredUser = errors.New("user account has expired")

	// ErrGeneration is returned when key or CSR generation fails.
	ErrGeneration = errors.New("credential generation failed")

	// ErrCASigning is returned when the CA fails to sign a request.
	ErrCASigning = errors.New("CA signing failed")

	// ErrExternalCANotImplemented is returned by the external CA backend for
	// every operation. It is distinct from ErrCASigning so callers can tell
	// "not supported" apart from a failed attempt.
	ErrExternalCANotImplemented = errors.New("external CA protocol is not implemented")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

// ---------------------------------------------------------------------------
// Validity
// ---------------------------------------------------------------------------

// ValidityDays returns the certificate lifetime in days for a user whose
// account expires at userExpiry: the remaining time rounded up to whole
// days, plus one. It fails with ErrExpiredUser if the expiry has passed.
func ValidityDays(userExpiry, now time.Time) (int, error) {
	delta := userExpiry.Sub(now)
	if delta < 0 {
		return 0, fmt.Errorf("%w: expired %s", ErrExpiredUser, userExpiry.UTC().Format(time.RFC3339))
	}
	return int(math.Ceil(delta.Hours()/24)) + 1, nil
}

// ---------------------------------------------------------------------------
// PEM helpers
// ---------------------------------------------------------------------------

// EncodeCertPEM encodes a DER certificate as PEM.
func EncodeCertPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))
}

// ParseCertificatePEM decodes the first certificate in certPEM.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

func loadCertificateFile(path string) (*x509.Certificate, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading certificate %s: %w", path, err)
	}
	cert, err := ParseCertificatePEM(data)
	if err != nil {
		return nil, nil, fmt.Errorf("certificate %s: %w", path, err)
	}
	return cert, data, nil
}

// Fingerprint returns the hex SHA-256 digest of a certificate's DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// SubjectString formats a pkix.Name as a readable DN string.
func SubjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	return strings.Join(parts, ", ")
}

// sha256Algorithm picks the SHA-256 signature algorithm for a key.
func sha256Algorithm(pub crypto.PublicKey) x509.SignatureAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	default:
		return x509.UnknownSignatureAlgorithm
	}
}
