//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"
)

// PKCS11Prefix marks an issuing key file whose content is a reference to
// an HSM-held key rather than PEM.
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

var errNoPKCS11 = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11KeyStore lets the server compile without CGo. Every method fails.
type PKCS11KeyStore struct{}

// Compile-time interface check.
var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore always fails without the pkcs11 build tag.
func NewPKCS11KeyStore(PKCS11Config) (*PKCS11KeyStore, error) { return nil, errNoPKCS11 }

func (p *PKCS11KeyStore) Close() error                         { return nil }
func (p *PKCS11KeyStore) GenerateKey() (string, error)         { return "", errNoPKCS11 }
func (p *PKCS11KeyStore) Signer(string) (crypto.Signer, error) { return nil, errNoPKCS11 }
func (p *PKCS11KeyStore) ExportPEM(string) (string, error)     { return "", errNoPKCS11 }
func (p *PKCS11KeyStore) ImportPEM(string) (string, error)     { return "", errNoPKCS11 }
func (p *PKCS11KeyStore) Delete(string) error                  { return errNoPKCS11 }
func (p *PKCS11KeyStore) Destroy(string) error                 { return errNoPKCS11 }
