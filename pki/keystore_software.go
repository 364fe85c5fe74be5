package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: in-memory keys
// ---------------------------------------------------------------------------

// SoftwareKeyStore holds RSA or ECDSA private keys in memory. Keys are
// identified by an opaque string generated at creation time.
//
// Keys in this store are ephemeral: leaf keys leave it inside a PKCS#12
// container and are then deleted, and the CA key is re-imported from its
// protected PEM for each signing operation.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	alg  KeyAlgorithm
	keys map[string]crypto.Signer
	rand io.Reader // defaults to crypto/rand.Reader
	seq  int       // monotonic counter for key IDs
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore generating keys of alg.
func NewSoftwareKeyStore(alg KeyAlgorithm) *SoftwareKeyStore {
	if alg == "" {
		alg = RSA2048
	}
	return &SoftwareKeyStore{
		alg:  alg,
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) storeLocked(key crypto.Signer) string {
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

// GenerateKey creates a new key pair of the store's algorithm.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	var (
		key crypto.Signer
		err error
	)
	switch s.alg {
	case ECDSAP256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), s.rand)
	default:
		key, err = rsa.GenerateKey(s.rand, 2048)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key: %w", s.alg, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(key), nil
}

// Signer returns the private key (which implements crypto.Signer).
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	key, err := s.Signer(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM parses an RSA, EC or PKCS#8 private key PEM block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var (
		key crypto.Signer
		err error
	)
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, e := x509.ParsePKCS8PrivateKey(block.Bytes)
		if e != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPEM, e)
		}
		var ok bool
		key, ok = parsed.(crypto.Signer)
		if !ok {
			return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, parsed)
		}
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(key), nil
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

// Len returns the number of keys currently held.
func (s *SoftwareKeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
