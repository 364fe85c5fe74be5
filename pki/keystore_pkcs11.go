//go:build pkcs11

package pki

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"
	"github.com/google/uuid"
)

// PKCS11Prefix marks an issuing key file whose content is a reference to
// an HSM-held key rather than PEM. The full reference is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11KeyStore keeps the issuing CA key in a PKCS#11 HSM. The key is
// looked up by label; the signing code only ever sees a crypto.Signer.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

// Compile-time interface check.
var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured HSM token. The caller must
// call Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates an ECDSA P-256 key pair in the HSM, used by init-ca
// for an HSM-held issuing key.
func (p *PKCS11KeyStore) GenerateKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := []byte("silverbullet-" + uuid.NewString())
	if _, err := p.ctx.GenerateECDSAKeyPairWithLabel(label, label, elliptic.P256()); err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key in HSM: %w", err)
	}
	return "pkcs11-" + string(label), nil
}

func (p *PKCS11KeyStore) find(label string) (crypto.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (HSM: %v)", ErrKeyNotFound, label, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}
	return signer, nil
}

// Signer returns an HSM-backed crypto.Signer.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(labelFromKeyID(keyID))
}

// ExportPEM returns the "PKCS11:<label>" reference for the key. The key
// material never leaves the HSM.
func (p *PKCS11KeyStore) ExportPEM(keyID string) (string, error) {
	label := labelFromKeyID(keyID)
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return PKCS11Prefix + label, nil
}

// ImportPEM resolves a "PKCS11:<label>" reference. Software PEM keys
// cannot be imported into the token.
func (p *PKCS11KeyStore) ImportPEM(pemData string) (string, error) {
	ref := strings.TrimSpace(pemData)
	if !strings.HasPrefix(ref, PKCS11Prefix) {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	label := strings.TrimPrefix(ref, PKCS11Prefix)
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return "pkcs11-" + label, nil
}

// Delete is a no-op: the issuing key is re-resolved by label on every
// signing operation and must survive it.
func (p *PKCS11KeyStore) Delete(string) error {
	return nil
}

// Destroy removes the key pair from the HSM.
func (p *PKCS11KeyStore) Destroy(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(labelFromKeyID(keyID)))
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil
	}
	if d, ok := signer.(interface{ Delete() error }); ok {
		return d.Delete()
	}
	return nil
}

func labelFromKeyID(keyID string) string {
	return strings.TrimPrefix(keyID, "pkcs11-")
}
