package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/silverbullet/profile"
)

// CAFiles locates the embedded CA material on disk. IssuingKey holds
// either a PEM private key or a "PKCS11:<label>" reference.
type CAFiles struct {
	RootCert    string
	IssuingCert string
	IssuingKey  string
}

// EmbeddedCA signs client certificates with a locally held issuing CA.
// The issuing key is kept in a memguard enclave and only decrypted for the
// duration of a signing operation.
type EmbeddedCA struct {
	root    *x509.Certificate
	issuer  *x509.Certificate
	key     *memguard.Enclave
	keys    KeyStore
	serials SerialAllocator
	ocspURL string
	logger  *slog.Logger
	now     func() time.Time
}

var _ Signer = (*EmbeddedCA)(nil)

// CAOption configures an EmbeddedCA.
type CAOption func(*EmbeddedCA)

// WithKeyStore sets the key store that resolves the issuing key. Use a
// PKCS11KeyStore when the key file holds a PKCS#11 reference.
func WithKeyStore(ks KeyStore) CAOption {
	return func(e *EmbeddedCA) { e.keys = ks }
}

// WithOCSPURL embeds an OCSP responder URL in issued certificates.
func WithOCSPURL(url string) CAOption {
	return func(e *EmbeddedCA) { e.ocspURL = url }
}

// WithCALogger sets the structured logger.
func WithCALogger(logger *slog.Logger) CAOption {
	return func(e *EmbeddedCA) { e.logger = logger }
}

// WithCAClock overrides the time source.
func WithCAClock(now func() time.Time) CAOption {
	return func(e *EmbeddedCA) { e.now = now }
}

// LoadEmbeddedCA reads the CA material named by files.
func LoadEmbeddedCA(files CAFiles, serials SerialAllocator, opts ...CAOption) (*EmbeddedCA, error) {
	root, _, err := loadCertificateFile(files.RootCert)
	if err != nil {
		return nil, err
	}
	issuer, _, err := loadCertificateFile(files.IssuingCert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(files.IssuingKey)
	if err != nil {
		return nil, fmt.Errorf("reading issuing key: %w", err)
	}
	return NewEmbeddedCA(root, issuer, keyPEM, serials, opts...)
}

// NewEmbeddedCA builds an EmbeddedCA from parsed certificates and the
// issuing key. keyPEM is moved into an enclave and wiped.
func NewEmbeddedCA(root, issuer *x509.Certificate, keyPEM []byte, serials SerialAllocator, opts ...CAOption) (*EmbeddedCA, error) {
	if len(keyPEM) == 0 {
		return nil, fmt.Errorf("issuing key is empty")
	}
	if !issuer.IsCA {
		return nil, fmt.Errorf("issuing certificate %q is not a CA", issuer.Subject.CommonName)
	}
	if err := issuer.CheckSignatureFrom(root); err != nil {
		return nil, fmt.Errorf("issuing certificate not signed by root: %w", err)
	}

	e := &EmbeddedCA{
		root:    root,
		issuer:  issuer,
		key:     memguard.NewEnclave(keyPEM),
		serials: serials,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.keys == nil {
		e.keys = NewSoftwareKeyStore(RSA2048)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	// Fail at startup, not on the first enrollment, if the key is wrong.
	err := e.WithSigner(func(_ *x509.Certificate, signer crypto.Signer) error {
		pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
		if !ok || !pub.Equal(issuer.PublicKey) {
			return fmt.Errorf("issuing key does not match issuing certificate")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Backend returns profile.BackendEmbedded.
func (e *EmbeddedCA) Backend() profile.CABackend { return profile.BackendEmbedded }

// Issuer returns the issuing CA certificate.
func (e *EmbeddedCA) Issuer() *x509.Certificate { return e.issuer }

// Root returns the root CA certificate.
func (e *EmbeddedCA) Root() *x509.Certificate { return e.root }

// Chain returns the issuing CA followed by the root. A self-signed issuer
// appears once.
func (e *EmbeddedCA) Chain() []*x509.Certificate {
	if bytes.Equal(e.issuer.Raw, e.root.Raw) {
		return []*x509.Certificate{e.root}
	}
	return []*x509.Certificate{e.issuer, e.root}
}

// WithSigner opens the key enclave, resolves the issuing key and passes it
// to fn. The key is dropped from the key store when fn returns.
func (e *EmbeddedCA) WithSigner(fn func(issuer *x509.Certificate, signer crypto.Signer) error) error {
	buf, err := e.key.Open()
	if err != nil {
		return fmt.Errorf("opening CA key enclave: %w", err)
	}
	keyID, err := e.keys.ImportPEM(string(buf.Bytes()))
	buf.Destroy()
	if err != nil {
		return fmt.Errorf("loading CA key: %w", err)
	}
	defer e.keys.Delete(keyID)

	signer, err := e.keys.Signer(keyID)
	if err != nil {
		return fmt.Errorf("loading CA signer: %w", err)
	}
	return fn(e.issuer, signer)
}

// Sign issues a client certificate for csr. The subject is copied from the
// request verbatim; the validity is clamped to the issuer's.
func (e *EmbeddedCA) Sign(ctx context.Context, csr *x509.CertificateRequest, validityDays int) (*SignedCertificate, error) {
	if validityDays <= 0 {
		return nil, fmt.Errorf("%w: validity must be positive, got %d days", ErrCASigning, validityDays)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: invalid CSR signature: %v", ErrCASigning, err)
	}
	serial, err := e.serials.FindUniqueSerial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating serial: %w", ErrCASigning, err)
	}

	now := e.now().UTC()
	notAfter := now.AddDate(0, 0, validityDays)
	if notAfter.After(e.issuer.NotAfter) {
		notAfter = e.issuer.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		RawSubject:            csr.RawSubject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		EmailAddresses:        csr.EmailAddresses,
		SignatureAlgorithm:    sha256Algorithm(e.issuer.PublicKey),
	}
	if e.ocspURL != "" {
		template.OCSPServer = []string{e.ocspURL}
	}

	var der []byte
	err = e.WithSigner(func(issuer *x509.Certificate, signer crypto.Signer) error {
		var err error
		der, err = x509.CreateCertificate(rand.Reader, template, issuer, csr.PublicKey, signer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCASigning, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing issued certificate: %v", ErrCASigning, err)
	}

	e.logger.Debug("certificate signed",
		slog.Int64("serial", serial),
		slog.String("subject", SubjectString(cert.Subject)),
		slog.Time("not_after", notAfter))

	return &SignedCertificate{Certificate: cert, Serial: serial, Chain: e.Chain()}, nil
}
