package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/lifecycle"
	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/pki/pkitest"
	"github.com/jmcleod/silverbullet/profile"
	"github.com/jmcleod/silverbullet/status"
	"github.com/jmcleod/silverbullet/storage"
	"github.com/jmcleod/silverbullet/storage/memory"
)

const password = "correct horse"

type env struct {
	m   *lifecycle.Manager
	ids *identity.Store
	ca  *pki.EmbeddedCA
}

func newProfiles() *profile.Registry {
	return profile.NewRegistry(
		&profile.Profile{ID: "p1", Realm: "uni.example.org", Institution: "uni", Federation: "nl", CABackend: profile.BackendEmbedded},
		&profile.Profile{ID: "p2", Realm: "hs.example.org", Institution: "hs", Federation: "nl", CABackend: profile.BackendEmbedded},
		&profile.Profile{ID: "ext", Realm: "ext.example.org", Institution: "ext", Federation: "be",
			CABackend: profile.BackendExternal, ExternalCAURL: "https://ca.example.org"},
	)
}

func newEnv(t *testing.T, profiles *profile.Registry, responder func(*pki.EmbeddedCA) status.Responder) *env {
	t.Helper()
	return newEnvOn(t, memory.NewStore(), profiles, responder)
}

func newEnvOn(t *testing.T, store storage.Store, profiles *profile.Registry, responder func(*pki.EmbeddedCA) status.Responder) *env {
	t.Helper()
	ids := identity.New(store)
	ca, _ := pkitest.NewCA(t, ids)
	var r status.Responder = status.NewLibraryResponder(ca)
	if responder != nil {
		r = responder(ca)
	}
	engine := status.NewEngine(ids, r, pkitest.Consortium)
	m := lifecycle.New(ids, profiles, &pki.Signers{Embedded: ca}, engine, pkitest.Consortium,
		lifecycle.WithLeafKeyStore(pki.NewSoftwareKeyStore(pki.ECDSAP256)))
	return &env{m: m, ids: ids, ca: ca}
}

func (e *env) invite(t *testing.T, profileID string, expiry time.Time, quantity int) (*storage.User, *storage.Invitation) {
	t.Helper()
	u, err := e.m.AddUser(t.Context(), profileID, "user", expiry)
	require.NoError(t, err)
	inv, err := e.m.CreateInvitation(t.Context(), u.ID, quantity)
	require.NoError(t, err)
	return u, inv
}

func TestIssueCertificate_EndToEnd(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 0, 30), 1)

	pkg, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password, Device: "android"})
	require.NoError(t, err)
	assert.Equal(t, password, pkg.ExportPassword)
	assert.Len(t, pkg.Username, identity.MaxCommonNameLength)
	assert.NotEmpty(t, pkg.CertificateID)
	assert.Len(t, pkg.Fingerprint, 64)

	_, cert, chain, err := pki.DecodeCredential(pkg.Protected, password)
	require.NoError(t, err)
	assert.Equal(t, pkg.Username, cert.Subject.CommonName)
	assert.Equal(t, []string{"NL"}, cert.Subject.OrganizationalUnit)
	assert.Equal(t, pkg.Serial, cert.SerialNumber.Int64())
	assert.Equal(t, pki.Fingerprint(cert), pkg.Fingerprint)
	require.Len(t, chain, 2)
	assert.Equal(t, e.ca.Issuer().Raw, chain[0].Raw)

	// 30 days of account left, plus the extra day.
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 31), cert.NotAfter, 2*time.Minute)
	assert.True(t, pkg.Expiry.Equal(cert.NotAfter))

	_, clearCert, _, err := pki.DecodeCredential(pkg.Clear, "")
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, clearCert.Raw)

	rec, err := e.m.Certificate(ctx, pkg.Serial)
	require.NoError(t, err)
	assert.Equal(t, storage.NotRevoked, rec.RevocationStatus)
	assert.Equal(t, u.ID, rec.UserID)
	assert.Equal(t, inv.ID, rec.InvitationID)
	assert.Equal(t, "android", rec.Device)
	assert.NotEmpty(t, rec.OCSP)

	st, err := e.m.CurrentStatus(ctx, pkg.Serial)
	require.NoError(t, err)
	assert.Equal(t, status.Valid, st.Status)
	resp, err := ocsp.ParseResponse(st.DER, e.ca.Issuer())
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, resp.Status)

	redeemed, err := e.ids.Invitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, storage.InvitationRedeemed, redeemed.State(time.Now()))

	_, err = e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)
}

func TestIssueCertificate_DefaultRSAKeys(t *testing.T) {
	ids := identity.New(memory.NewStore())
	ca, _ := pkitest.NewCA(t, ids)
	engine := status.NewEngine(ids, status.NewLibraryResponder(ca), pkitest.Consortium)
	m := lifecycle.New(ids, newProfiles(), &pki.Signers{Embedded: ca}, engine, pkitest.Consortium)

	u, err := m.AddUser(t.Context(), "p1", "rsa", time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
	inv, err := m.CreateInvitation(t.Context(), u.ID, 1)
	require.NoError(t, err)

	pkg, err := m.IssueCertificate(t.Context(), "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	require.NoError(t, err)
	_, cert, _, err := pki.DecodeCredential(pkg.Protected, password)
	require.NoError(t, err)
	assert.Equal(t, "RSA", cert.PublicKeyAlgorithm.String())
}

func TestIssueCertificate_Rejections(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	_, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 1)

	_, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: "nope", ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	_, err = e.m.IssueCertificate(ctx, "p2", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrProfileMismatch)

	_, err = e.m.IssueCertificate(ctx, "missing", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)

	_, err = e.m.RevokeInvitation(ctx, inv.Token)
	require.NoError(t, err)
	_, err = e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)
}

func TestIssueCertificate_ExpiredUser(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	u, err := e.m.AddUser(ctx, "p1", "gone", time.Now().Add(time.Hour))
	require.NoError(t, err)
	inv, err := e.m.CreateInvitation(ctx, u.ID, 1)
	require.NoError(t, err)
	require.NoError(t, e.m.SetUserExpiry(ctx, u.ID, time.Now().Add(-time.Minute)))

	_, err = e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, pki.ErrExpiredUser)

	certs, err := e.m.ListCertificates(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, certs)
	got, err := e.ids.Invitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Zero(t, got.Redeemed)
}

func TestIssueCertificate_Concurrent(t *testing.T) {
	const n = 10
	e := newEnv(t, newProfiles(), nil)
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 2, 0), n)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*lifecycle.CertificatePackage
	)
	for range n + 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg, err := e.m.IssueCertificate(context.Background(), "p1",
				lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
			if err != nil {
				assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)
				return
			}
			mu.Lock()
			pkgs = append(pkgs, pkg)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, pkgs, n)
	serials := map[int64]bool{}
	names := map[string]bool{}
	for _, p := range pkgs {
		serials[p.Serial] = true
		names[p.Username] = true
	}
	assert.Len(t, serials, n)
	assert.Len(t, names, n)

	certs, err := e.m.ListCertificates(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Len(t, certs, n)
}

func TestRevokeCertificate(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	_, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 1)
	pkg, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	require.NoError(t, err)

	first, err := e.m.RevokeCertificate(ctx, pkg.Serial)
	require.NoError(t, err)
	assert.Equal(t, status.Revoked, first.Status)
	resp, err := ocsp.ParseResponse(first.DER, e.ca.Issuer())
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, resp.Status)

	rec, err := e.m.Certificate(ctx, pkg.Serial)
	require.NoError(t, err)
	revokedAt := rec.RevocationTime

	second, err := e.m.RevokeCertificate(ctx, pkg.Serial)
	require.NoError(t, err)
	assert.Equal(t, status.Revoked, second.Status)
	rec, err = e.m.Certificate(ctx, pkg.Serial)
	require.NoError(t, err)
	assert.True(t, revokedAt.Equal(rec.RevocationTime))

	_, err = e.m.RevokeCertificate(ctx, 123456)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExternalBackend(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	u, inv := e.invite(t, "ext", time.Now().AddDate(0, 1, 0), 1)

	_, err := e.m.IssueCertificate(ctx, "ext", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, pki.ErrExternalCANotImplemented)
	got, err := e.ids.Invitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Zero(t, got.Redeemed)

	_, err = e.ids.RecordCertificate(ctx, &storage.Certificate{
		SerialNumber: 77, ProfileID: "ext", UserID: u.ID, InvitationID: inv.ID,
		CommonName: "legacy@ext.example.org", Federation: "be",
		Issued: time.Now(), Expiry: time.Now().AddDate(0, 0, 10),
	})
	require.NoError(t, err)
	_, err = e.m.RevokeCertificate(ctx, 77)
	assert.ErrorIs(t, err, pki.ErrExternalCANotImplemented)

	rec, err := e.m.Certificate(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, storage.NotRevoked, rec.RevocationStatus)
}

func TestDeactivateUser(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 3)
	var serials []int64
	for range 2 {
		pkg, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
		require.NoError(t, err)
		serials = append(serials, pkg.Serial)
	}

	res, err := e.m.DeactivateUser(ctx, u.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, serials, res.RevokedSerials)
	assert.Equal(t, []string{inv.ID}, res.ExpiredInvitations)

	for _, s := range serials {
		st, err := e.m.CurrentStatus(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, status.Revoked, st.Status)
	}

	active, err := e.m.ListActiveUsers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	_, err = e.m.DeactivateUser(ctx, "missing")
	assert.ErrorIs(t, err, lifecycle.ErrUserNotFound)
}

func TestCreateInvitation_MaxActiveUsers(t *testing.T) {
	ctx := t.Context()
	profiles := profile.NewRegistry(
		&profile.Profile{ID: "a", Realm: "a.example.org", Federation: "nl", MaxActiveUsers: 2},
		&profile.Profile{ID: "b", Realm: "b.example.org", Federation: "NL", MaxActiveUsers: 2},
	)
	e := newEnv(t, profiles, nil)
	expiry := time.Now().AddDate(0, 1, 0)

	first, _ := e.invite(t, "a", expiry, 1)
	e.invite(t, "b", expiry, 1)

	third, err := e.m.AddUser(ctx, "a", "third", expiry)
	require.NoError(t, err)
	_, err = e.m.CreateInvitation(ctx, third.ID, 1)
	assert.ErrorIs(t, err, lifecycle.ErrMaxActiveUsers)

	// Already active users may be invited again.
	_, err = e.m.CreateInvitation(ctx, first.ID, 1)
	require.NoError(t, err)
}

func TestCreateInvitation_MaxActiveUsersConcurrent(t *testing.T) {
	ctx := t.Context()
	profiles := profile.NewRegistry(&profile.Profile{ID: "a", Realm: "a.example.org", Federation: "nl", MaxActiveUsers: 3})
	e := newEnv(t, profiles, nil)
	expiry := time.Now().AddDate(0, 1, 0)

	var users []*storage.User
	for range 10 {
		u, err := e.m.AddUser(ctx, "a", "user", expiry)
		require.NoError(t, err)
		users = append(users, u)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.m.CreateInvitation(ctx, u.ID, 1)
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, lifecycle.ErrMaxActiveUsers)
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, created)
}

func TestCreateInvitation_DefaultsToDeviceLimit(t *testing.T) {
	ctx := t.Context()
	profiles := profile.NewRegistry(&profile.Profile{ID: "p1", Realm: "example.org", Federation: "nl", DeviceLimit: 3})
	e := newEnv(t, profiles, nil)
	_, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 0)
	assert.Equal(t, 3, inv.Quantity)

	_, err := e.m.CreateInvitation(ctx, inv.UserID, -1)
	assert.Error(t, err)
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, status.Entry, time.Duration) ([]byte, error) {
	return nil, errors.New("responder unavailable")
}

func TestIssueCertificate_OCSPFailureKeepsRecord(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), func(*pki.EmbeddedCA) status.Responder { return failingResponder{} })
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 1)

	_, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, status.ErrOCSPGeneration)

	certs, err := e.m.ListCertificates(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, storage.NotRevoked, certs[0].RevocationStatus)
	assert.Empty(t, certs[0].OCSP)
}

func TestAcknowledgeUser(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t, newProfiles(), nil)
	u, err := e.m.AddUser(ctx, "p1", "ack", time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)

	require.NoError(t, e.m.AcknowledgeUser(ctx, u.ID))
	got, err := e.ids.User(ctx, u.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastAcknowledgement, time.Minute)

	assert.ErrorIs(t, e.m.AcknowledgeUser(ctx, "missing"), lifecycle.ErrUserNotFound)

	_, err = e.m.AddUser(ctx, "nope", "x", time.Now())
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
}

// interleavingStore runs a callback once at a chosen point of the issuance
// path, standing in for a concurrent administrator action.
type interleavingStore struct {
	*memory.Store
	beforeRedeem func()
	beforeRecord func()
}

func (s *interleavingStore) RedeemInvitation(ctx context.Context, token string, now time.Time) (*storage.Invitation, error) {
	if fn := s.beforeRedeem; fn != nil {
		s.beforeRedeem = nil
		fn()
	}
	return s.Store.RedeemInvitation(ctx, token, now)
}

func (s *interleavingStore) CreateCertificate(ctx context.Context, c *storage.Certificate) error {
	if fn := s.beforeRecord; fn != nil {
		s.beforeRecord = nil
		fn()
	}
	return s.Store.CreateCertificate(ctx, c)
}

func TestIssueCertificate_DeactivatedBeforeRedeem(t *testing.T) {
	ctx := t.Context()
	store := &interleavingStore{Store: memory.NewStore()}
	e := newEnvOn(t, store, newProfiles(), nil)
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 1)
	store.beforeRedeem = func() {
		_, err := e.m.DeactivateUser(ctx, u.ID)
		require.NoError(t, err)
	}

	_, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	certs, err := e.m.ListCertificates(ctx, u.ID)
	require.NoError(t, err)
	for _, c := range certs {
		assert.Equal(t, storage.Revoked, c.RevocationStatus)
	}
	active, err := e.m.ListActiveUsers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestIssueCertificate_DeactivatedBeforeRecord(t *testing.T) {
	ctx := t.Context()
	store := &interleavingStore{Store: memory.NewStore()}
	e := newEnvOn(t, store, newProfiles(), nil)
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 1)
	store.beforeRecord = func() {
		_, err := e.m.DeactivateUser(ctx, u.ID)
		require.NoError(t, err)
	}

	_, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	certs, err := e.m.ListCertificates(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, storage.Revoked, certs[0].RevocationStatus)

	st, err := e.m.CurrentStatus(ctx, certs[0].SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, status.Revoked, st.Status)
	resp, err := ocsp.ParseResponse(st.DER, e.ca.Issuer())
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, resp.Status)
}

func TestIssueCertificate_InvitationRevokedBeforeRecord(t *testing.T) {
	ctx := t.Context()
	store := &interleavingStore{Store: memory.NewStore()}
	e := newEnvOn(t, store, newProfiles(), nil)
	u, inv := e.invite(t, "p1", time.Now().AddDate(0, 1, 0), 2)
	store.beforeRecord = func() {
		_, err := e.m.RevokeInvitation(ctx, inv.Token)
		require.NoError(t, err)
	}

	_, err := e.m.IssueCertificate(ctx, "p1", lifecycle.IssueRequest{Token: inv.Token, ExportPassword: password})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	certs, err := e.m.ListCertificates(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, storage.Revoked, certs[0].RevocationStatus)
}
