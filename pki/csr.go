package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/jmcleod/silverbullet/profile"
)

var (
	oidEmailAddress     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
)

var (
	// basicConstraintsEndEntity is the DER of BasicConstraints{cA: FALSE}.
	basicConstraintsEndEntity = []byte{0x30, 0x00}

	// extKeyUsageClientAuth is the DER of ExtKeyUsage{id-kp-clientAuth}.
	extKeyUsageClientAuth = []byte{0x30, 0x0a, 0x06, 0x08, 0x2b, 0x06, 0x01, 0x05, 0x05, 0x07, 0x03, 0x02}
)

// UsernameFinder allocates a globally unique username within a realm.
type UsernameFinder interface {
	FindUniqueUsername(ctx context.Context, realm string) (string, error)
}

// CSRGenerator builds certificate signing requests for freshly allocated
// pseudonymous usernames.
type CSRGenerator struct {
	names      UsernameFinder
	consortium string
}

// NewCSRGenerator returns a generator that names subjects under the given
// consortium (the O attribute).
func NewCSRGenerator(names UsernameFinder, consortium string) *CSRGenerator {
	return &CSRGenerator{names: names, consortium: consortium}
}

// CSR is a generated signing request and the username it was made for.
type CSR struct {
	Request  *x509.CertificateRequest
	DER      []byte
	Username string
}

// PEM returns the request in PEM form.
func (c *CSR) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: c.DER}))
}

// Subject returns the distinguished name used for a client certificate:
// O=<consortium>, OU=<FEDERATION>, CN=<username>, emailAddress=<username>.
func Subject(consortium, federation, username string) pkix.Name {
	return pkix.Name{
		Organization:       []string{consortium},
		OrganizationalUnit: []string{strings.ToUpper(federation)},
		CommonName:         username,
		ExtraNames: []pkix.AttributeTypeAndValue{{
			Type:  oidEmailAddress,
			Value: asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(username)},
		}},
	}
}

// Generate allocates a unique username in the profile's realm and signs a
// CSR for it with key. The request asks for an end-entity certificate
// usable for TLS client authentication.
func (g *CSRGenerator) Generate(ctx context.Context, key crypto.Signer, p *profile.Profile) (*CSR, error) {
	username, err := g.names.FindUniqueUsername(ctx, p.Realm)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating username: %w", ErrGeneration, err)
	}

	tmpl := &x509.CertificateRequest{
		Subject:            Subject(g.consortium, p.Federation, username),
		SignatureAlgorithm: sha256Algorithm(key.Public()),
		ExtraExtensions: []pkix.Extension{{
			Id:       oidBasicConstraints,
			Critical: true,
			Value:    basicConstraintsEndEntity,
		}, {
			Id:    oidExtKeyUsage,
			Value: extKeyUsageClientAuth,
		}},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CSR: %v", ErrGeneration, err)
	}
	req, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CSR: %v", ErrGeneration, err)
	}
	return &CSR{Request: req, DER: der, Username: username}, nil
}
