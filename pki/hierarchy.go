package pki

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/silverbullet/internal/util"
)

// ErrAlreadyCA is returned by InitCA when the target directory already
// holds CA material.
var ErrAlreadyCA = errors.New("CA material already exists")

// File names written by InitCA.
const (
	RootCertFile    = "root.pem"
	RootKeyFile     = "root.key"
	IssuingCertFile = "issuing.pem"
	IssuingKeyFile  = "issuing.key"
)

// InitRequest describes a two-tier CA hierarchy.
type InitRequest struct {
	// Consortium is the O attribute of both CA subjects.
	Consortium    string
	RootName      string
	IssuingName   string
	ValidityYears int
}

// InitCA creates a self-signed root and an issuing CA below it, and writes
// certificates and keys into dir. The root key is always a software key;
// the issuing key comes from issuingKeys, which may be an HSM, in which
// case the key file receives the PKCS#11 reference.
func InitCA(dir string, req InitRequest, issuingKeys KeyStore) (*CAFiles, error) {
	files := &CAFiles{
		RootCert:    filepath.Join(dir, RootCertFile),
		IssuingCert: filepath.Join(dir, IssuingCertFile),
		IssuingKey:  filepath.Join(dir, IssuingKeyFile),
	}
	for _, p := range []string{files.RootCert, files.IssuingCert, files.IssuingKey} {
		if _, err := os.Stat(p); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCA, p)
		}
	}
	if req.ValidityYears <= 0 {
		req.ValidityYears = 10
	}
	if req.RootName == "" {
		req.RootName = req.Consortium + " Root CA"
	}
	if req.IssuingName == "" {
		req.IssuingName = req.Consortium + " Client Issuing CA"
	}
	if issuingKeys == nil {
		issuingKeys = NewSoftwareKeyStore(RSA2048)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}

	rootKeys := NewSoftwareKeyStore(RSA2048)
	rootID, err := rootKeys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	rootSigner, _ := rootKeys.Signer(rootID)

	rootSerial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}
	issuingSerial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(rootSerial),
		Subject:               pkix.Name{CommonName: req.RootName, Organization: []string{req.Consortium}},
		NotBefore:             now,
		NotAfter:              now.AddDate(req.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, rootSigner.Public(), rootSigner)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	issuingID, err := issuingKeys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating issuing key: %w", err)
	}
	issuingSigner, err := issuingKeys.Signer(issuingID)
	if err != nil {
		return nil, fmt.Errorf("getting issuing signer: %w", err)
	}

	// The issuing CA signs leaves and OCSP responses itself.
	issuingTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(issuingSerial),
		Subject:               pkix.Name{CommonName: req.IssuingName, Organization: []string{req.Consortium}},
		NotBefore:             now,
		NotAfter:              now.AddDate(req.ValidityYears, 0, 0).Add(-time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	issuingDER, err := x509.CreateCertificate(rand.Reader, issuingTmpl, root, issuingSigner.Public(), rootSigner)
	if err != nil {
		return nil, fmt.Errorf("creating issuing certificate: %w", err)
	}

	rootKeyPEM, err := rootKeys.ExportPEM(rootID)
	if err != nil {
		return nil, fmt.Errorf("exporting root key: %w", err)
	}
	issuingKeyPEM, err := issuingKeys.ExportPEM(issuingID)
	if err != nil {
		return nil, fmt.Errorf("exporting issuing key: %w", err)
	}

	writes := []struct {
		path string
		data string
		perm os.FileMode
	}{
		{files.RootCert, EncodeCertPEM(root.Raw), 0o644},
		{filepath.Join(dir, RootKeyFile), rootKeyPEM, 0o600},
		{files.IssuingCert, EncodeCertPEM(issuingDER), 0o644},
		{files.IssuingKey, issuingKeyPEM, 0o600},
	}
	for _, w := range writes {
		if err := os.WriteFile(w.path, []byte(w.data), w.perm); err != nil {
			return nil, fmt.Errorf("writing %s: %w", w.path, err)
		}
	}
	return files, nil
}
