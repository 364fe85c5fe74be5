package pki

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/silverbullet/internal/util"
)

// Credential is a client certificate with its private key, packaged for
// installation on a device.
type Credential struct {
	// Protected is a PKCS#12 container encrypted with the export password.
	Protected []byte
	// Clear is the same container without encryption, for platforms
	// whose profile format wraps it in its own protection.
	Clear []byte
}

// PackageCredential bundles key, leaf and chain into PKCS#12 containers.
// The password is NFKC-normalized before use.
func PackageCredential(key crypto.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate, password string) (*Credential, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: export password is required", ErrGeneration)
	}
	// LegacyDES is what older EAP-TLS supplicants can import.
	protected, err := pkcs12.LegacyDES.Encode(key, leaf, chain, util.NormalizePassword(password))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PKCS#12: %v", ErrGeneration, err)
	}
	plain, err := pkcs12.Passwordless.Encode(key, leaf, chain, "")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding passwordless PKCS#12: %v", ErrGeneration, err)
	}
	return &Credential{Protected: protected, Clear: plain}, nil
}

// DecodeCredential opens a PKCS#12 container produced by PackageCredential.
func DecodeCredential(data []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	return pkcs12.DecodeChain(data, util.NormalizePassword(password))
}
