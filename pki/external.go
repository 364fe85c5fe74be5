package pki

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/jmcleod/silverbullet/profile"
)

// ExternalCA delegates signing and revocation to a remote CA service. The
// remote protocol is not implemented: every operation fails fast with
// ErrExternalCANotImplemented and never returns a partial result.
type ExternalCA struct {
	url    string
	client *http.Client
}

var _ Signer = (*ExternalCA)(nil)

// NewExternalCA returns a client for the CA service at url.
func NewExternalCA(url string, client *http.Client) *ExternalCA {
	if client == nil {
		client = http.DefaultClient
	}
	return &ExternalCA{url: url, client: client}
}

// Backend returns profile.BackendExternal.
func (e *ExternalCA) Backend() profile.CABackend { return profile.BackendExternal }

// Sign always fails with ErrExternalCANotImplemented.
func (e *ExternalCA) Sign(ctx context.Context, _ *x509.CertificateRequest, _ int) (*SignedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: sign via %s", ErrExternalCANotImplemented, e.url)
}

// Revoke always fails with ErrExternalCANotImplemented.
func (e *ExternalCA) Revoke(ctx context.Context, serial int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: revoke serial %d via %s", ErrExternalCANotImplemented, serial, e.url)
}
