package pki

import (
	"crypto"
	"fmt"
	"strings"
)

// KeyStore abstracts private-key operations so that leaf keys and the
// issuing CA key can live in software or in an HSM without changing the
// signing code.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM-encoded form. HSM
	// implementations may return ErrKeyNotExportable, or a reference string
	// (e.g. "PKCS11:<label>") that ImportPEM can later interpret.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key (or an implementation
	// reference string) into the store and returns its key ID.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete removes the key identified by keyID from the store.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave the device (e.g. HSM).
var ErrKeyNotExportable = fmt.Errorf("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")

// KeyAlgorithm selects the key type generated by a SoftwareKeyStore.
type KeyAlgorithm string

const (
	// RSA2048 is the default: every EAP-TLS supplicant accepts it.
	RSA2048   KeyAlgorithm = "rsa2048"
	ECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

// ParseKeyAlgorithm parses a key algorithm name, defaulting to RSA2048.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RSA2048):
		return RSA2048, nil
	case string(ECDSAP256):
		return ECDSAP256, nil
	default:
		return "", fmt.Errorf("invalid key algorithm %q: must be rsa2048 or ecdsa-p256", s)
	}
}
