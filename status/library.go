package status

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"
)

// IssuerSigner gives scoped access to the issuing CA and its key.
type IssuerSigner interface {
	WithSigner(fn func(issuer *x509.Certificate, signer crypto.Signer) error) error
}

// LibraryResponder signs responses in-process with the issuing CA key.
// Expired entries are reported as unknown.
type LibraryResponder struct {
	ca  IssuerSigner
	now func() time.Time
}

// NewLibraryResponder returns a responder signing with ca.
func NewLibraryResponder(ca IssuerSigner) *LibraryResponder {
	return &LibraryResponder{ca: ca, now: time.Now}
}

// Respond implements Responder.
func (r *LibraryResponder) Respond(ctx context.Context, entry Entry, validity time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	tmpl := ocsp.Response{
		SerialNumber: big.NewInt(entry.Serial),
		ThisUpdate:   now,
		NextUpdate:   now.Add(validity),
	}
	switch entry.Status {
	case Valid:
		tmpl.Status = ocsp.Good
	case Revoked:
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = entry.RevocationTime.UTC()
		tmpl.RevocationReason = ocsp.Unspecified
	case Expired:
		tmpl.Status = ocsp.Unknown
	default:
		return nil, fmt.Errorf("unknown index status %q", entry.Status)
	}

	var der []byte
	err := r.ca.WithSigner(func(issuer *x509.Certificate, signer crypto.Signer) error {
		var err error
		der, err = ocsp.CreateResponse(issuer, issuer, tmpl, signer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("signing OCSP response: %w", err)
	}
	return der, ctx.Err()
}
