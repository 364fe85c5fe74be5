package pki

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/jmcleod/silverbullet/profile"
)

// Signer turns a CSR into a signed client certificate.
type Signer interface {
	// Sign issues a certificate valid for validityDays from now.
	Sign(ctx context.Context, csr *x509.CertificateRequest, validityDays int) (*SignedCertificate, error)

	// Backend reports which CA variant this is.
	Backend() profile.CABackend
}

// SerialAllocator hands out serial numbers not yet used by any issued
// certificate.
type SerialAllocator interface {
	FindUniqueSerial(ctx context.Context) (int64, error)
}

// SignedCertificate is the result of a successful signing operation.
type SignedCertificate struct {
	Certificate *x509.Certificate
	Serial      int64
	// Chain holds the issuing CA first and the root last.
	Chain []*x509.Certificate
}

// ChainPEM returns the CA chain as concatenated PEM, issuer first.
func (s *SignedCertificate) ChainPEM() string {
	var out string
	for _, c := range s.Chain {
		out += EncodeCertPEM(c.Raw)
	}
	return out
}

// Signers resolves the signer variant for a profile.
type Signers struct {
	Embedded *EmbeddedCA
	Client   *http.Client
}

// For returns the signer selected by the profile's CA backend.
func (s *Signers) For(p *profile.Profile) (Signer, error) {
	switch p.CABackend {
	case profile.BackendEmbedded, "":
		if s.Embedded == nil {
			return nil, fmt.Errorf("%w: no embedded CA configured", ErrCASigning)
		}
		return s.Embedded, nil
	case profile.BackendExternal:
		return NewExternalCA(p.ExternalCAURL, s.Client), nil
	default:
		return nil, fmt.Errorf("%w: unknown CA backend %q", ErrCASigning, p.CABackend)
	}
}
