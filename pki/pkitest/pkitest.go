// Package pkitest provides throwaway CA hierarchies for tests.
package pkitest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/silverbullet/pki"
)

// Consortium is the organisation name used by NewCA.
const Consortium = "eduroam Test"

// Sequence allocates increasing serials starting at 1000.
type Sequence struct {
	next atomic.Int64
}

// FindUniqueSerial implements pki.SerialAllocator.
func (s *Sequence) FindUniqueSerial(context.Context) (int64, error) {
	return 1000 + s.next.Add(1), nil
}

// InitCA writes a root and an ECDSA issuing CA into a temp directory.
func InitCA(t testing.TB) *pki.CAFiles {
	t.Helper()
	files, err := pki.InitCA(t.TempDir(), pki.InitRequest{
		Consortium:    Consortium,
		RootName:      "Test Root CA",
		IssuingName:   "Test Issuing CA",
		ValidityYears: 2,
	}, pki.NewSoftwareKeyStore(pki.ECDSAP256))
	require.NoError(t, err)
	return files
}

// NewCA returns an EmbeddedCA over a fresh hierarchy. A nil serials uses a
// Sequence.
func NewCA(t testing.TB, serials pki.SerialAllocator, opts ...pki.CAOption) (*pki.EmbeddedCA, *pki.CAFiles) {
	t.Helper()
	if serials == nil {
		serials = &Sequence{}
	}
	files := InitCA(t)
	ca, err := pki.LoadEmbeddedCA(*files, serials, opts...)
	require.NoError(t, err)
	return ca, files
}
