package status_test

import (
	"context"
	"fmt"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/pki/pkitest"
	"github.com/jmcleod/silverbullet/status"
	"github.com/jmcleod/silverbullet/storage"
	"github.com/jmcleod/silverbullet/storage/memory"
	"github.com/jmcleod/silverbullet/storage/storagetest"
)

type fixture struct {
	ids   *identity.Store
	ca    *pki.EmbeddedCA
	files *pki.CAFiles
	u     *storage.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ids := identity.New(memory.NewStore())
	ca, files := pkitest.NewCA(t, ids)
	u, err := ids.AddUser(t.Context(), "p1", "alice", time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
	return &fixture{ids: ids, ca: ca, files: files, u: u}
}

func (f *fixture) record(t *testing.T, serial int64, expiry time.Time) {
	t.Helper()
	c := storagetest.NewCertificate(f.u, serial, fmt.Sprintf("cn%d@example.org", serial))
	c.Expiry = expiry
	_, err := f.ids.RecordCertificate(t.Context(), c)
	require.NoError(t, err)
}

func (f *fixture) parse(t *testing.T, der []byte) *ocsp.Response {
	t.Helper()
	resp, err := ocsp.ParseResponse(der, f.ca.Issuer())
	require.NoError(t, err)
	return resp
}

func TestIndexLine(t *testing.T) {
	expiry := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	revoked := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
	e := status.Entry{
		Status:         status.Valid,
		Expiry:         expiry,
		RevocationTime: revoked,
		Serial:         0xABC,
		Organization:   "eduroam",
		Federation:     "NL",
		CommonName:     "u@example.org",
	}
	assert.Equal(t,
		"V\t261231235959Z\t\t0ABC\tunknown\t/O=eduroam/OU=NL/CN=u@example.org/emailAddress=u@example.org",
		e.IndexLine())

	e.Status = status.Revoked
	assert.Equal(t,
		"R\t261231235959Z\t260601083000Z,unspecified\t0ABC\tunknown\t/O=eduroam/OU=NL/CN=u@example.org/emailAddress=u@example.org",
		e.IndexLine())

	e.Status = status.Expired
	assert.Equal(t,
		"E\t261231235959Z\t\t0ABC\tunknown\t/O=eduroam/OU=NL/CN=u@example.org/emailAddress=u@example.org",
		e.IndexLine())
}

func TestCodeFor(t *testing.T) {
	now := time.Now()
	snap := &identity.StatusSnapshot{Expiry: now.Add(time.Hour), RevocationStatus: storage.NotRevoked}
	assert.Equal(t, status.Valid, status.CodeFor(snap, now))

	snap.RevocationStatus = storage.Revoked
	assert.Equal(t, status.Revoked, status.CodeFor(snap, now))

	snap.Expiry = now.Add(-time.Second)
	assert.Equal(t, status.Expired, status.CodeFor(snap, now))
}

func TestNewEntry(t *testing.T) {
	snap := &identity.StatusSnapshot{SerialNumber: 7, CommonName: "x@r", Federation: "be", Expiry: time.Now().Add(time.Hour)}
	e := status.NewEntry(snap, "Org", time.Now())
	assert.Equal(t, "BE", e.Federation)
	assert.Equal(t, "/O=Org/OU=BE/CN=x@r/emailAddress=x@r", e.Subject())
}

func TestTriggerNewStatement(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	engine := status.NewEngine(f.ids, status.NewLibraryResponder(f.ca), pkitest.Consortium)
	f.record(t, 100, time.Now().AddDate(0, 0, 30))

	st, err := engine.TriggerNewStatement(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, status.Valid, st.Status)
	resp := f.parse(t, st.DER)
	assert.Equal(t, ocsp.Good, resp.Status)
	assert.Equal(t, int64(100), resp.SerialNumber.Int64())
	assert.True(t, resp.NextUpdate.After(time.Now().AddDate(0, 0, 9)))

	stored, err := f.ids.Certificate(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, st.DER, stored.OCSP)
	assert.False(t, stored.OCSPTimestamp.IsZero())

	revokedAt := time.Now().UTC().Truncate(time.Second)
	_, err = f.ids.RecordRevocation(ctx, 100, revokedAt)
	require.NoError(t, err)

	st, err = engine.TriggerNewStatement(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, status.Revoked, st.Status)
	resp = f.parse(t, st.DER)
	assert.Equal(t, ocsp.Revoked, resp.Status)
	assert.True(t, revokedAt.Equal(resp.RevokedAt))
	assert.Equal(t, ocsp.Unspecified, resp.RevocationReason)
}

func TestTriggerNewStatement_ExpiredWinsOverRevoked(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	engine := status.NewEngine(f.ids, status.NewLibraryResponder(f.ca), pkitest.Consortium)
	f.record(t, 200, time.Now().Add(-time.Hour))
	_, err := f.ids.RecordRevocation(ctx, 200, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	st, err := engine.TriggerNewStatement(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, status.Expired, st.Status)
	assert.Equal(t, ocsp.Unknown, f.parse(t, st.DER).Status)
}

func TestTriggerNewStatement_UnknownSerial(t *testing.T) {
	f := newFixture(t)
	engine := status.NewEngine(f.ids, status.NewLibraryResponder(f.ca), pkitest.Consortium)
	_, err := engine.TriggerNewStatement(t.Context(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type blockingResponder struct{}

func (blockingResponder) Respond(ctx context.Context, _ status.Entry, _ time.Duration) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTriggerNewStatement_Timeout(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	engine := status.NewEngine(f.ids, blockingResponder{}, pkitest.Consortium,
		status.WithTimeout(20*time.Millisecond))
	f.record(t, 300, time.Now().AddDate(0, 0, 1))

	_, err := engine.TriggerNewStatement(ctx, 300)
	assert.ErrorIs(t, err, status.ErrOCSPGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := f.ids.Certificate(ctx, 300)
	require.NoError(t, err)
	assert.Empty(t, stored.OCSP)
}

type countingResponder struct {
	status.Responder
	calls atomic.Int32
}

func (c *countingResponder) Respond(ctx context.Context, e status.Entry, v time.Duration) ([]byte, error) {
	c.calls.Add(1)
	return c.Responder.Respond(ctx, e, v)
}

func TestCurrent(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	counter := &countingResponder{Responder: status.NewLibraryResponder(f.ca)}
	now := time.Now()
	clock := func() time.Time { return now }
	engine := status.NewEngine(f.ids, counter, pkitest.Consortium, status.WithClock(clock))
	f.record(t, 400, now.AddDate(0, 0, 30))

	first, err := engine.Current(ctx, 400)
	require.NoError(t, err)
	second, err := engine.Current(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, first.DER, second.DER)
	assert.Equal(t, int32(1), counter.calls.Load())

	now = now.Add(time.Minute)
	_, err = f.ids.RecordRevocation(ctx, 400, now)
	require.NoError(t, err)
	third, err := engine.Current(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, status.Revoked, third.Status)
	assert.Equal(t, int32(2), counter.calls.Load())

	now = now.Add(6 * 24 * time.Hour)
	_, err = engine.Current(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, int32(3), counter.calls.Load())
}

func TestOpenSSLResponder(t *testing.T) {
	bin, err := exec.LookPath("openssl")
	if err != nil {
		t.Skip("openssl not installed")
	}
	f := newFixture(t)
	responder := &status.OpenSSLResponder{
		Binary:     bin,
		IssuerCert: f.files.IssuingCert,
		IssuerKey:  f.files.IssuingKey,
	}
	engine := status.NewEngine(f.ids, responder, pkitest.Consortium)

	f.record(t, 500, time.Now().AddDate(0, 0, 30))
	f.record(t, 501, time.Now().AddDate(0, 0, 30))
	f.record(t, 502, time.Now().Add(-time.Hour))
	revokedAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	_, err = f.ids.RecordRevocation(t.Context(), 501, revokedAt)
	require.NoError(t, err)

	tests := []struct {
		name   string
		serial int64
		code   status.Code
		want   int
	}{
		{"valid", 500, status.Valid, ocsp.Good},
		{"revoked", 501, status.Revoked, ocsp.Revoked},
		{"expired", 502, status.Expired, ocsp.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := engine.TriggerNewStatement(t.Context(), tt.serial)
			require.NoError(t, err)
			assert.Equal(t, tt.code, st.Status)

			resp := f.parse(t, st.DER)
			assert.Equal(t, tt.serial, resp.SerialNumber.Int64())
			assert.Equal(t, tt.want, resp.Status)
			if tt.want == ocsp.Revoked {
				assert.True(t, revokedAt.Equal(resp.RevokedAt))
			}
		})
	}
}

func TestOpenSSLResponder_MissingBinary(t *testing.T) {
	f := newFixture(t)
	responder := &status.OpenSSLResponder{Binary: "/nonexistent/openssl"}
	engine := status.NewEngine(f.ids, responder, pkitest.Consortium)
	f.record(t, 600, time.Now().AddDate(0, 0, 30))

	_, err := engine.TriggerNewStatement(t.Context(), 600)
	assert.ErrorIs(t, err, status.ErrOCSPGeneration)
}
