// Package storagetest provides a conformance suite that every storage.Store
// backend runs from its own tests.
package storagetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/silverbullet/storage"
)

// Run exercises the storage.Store contract against a fresh store returned
// by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Invitations", func(t *testing.T) { testInvitations(t, newStore(t)) })
	t.Run("RedeemConcurrent", func(t *testing.T) { testRedeemConcurrent(t, newStore(t)) })
	t.Run("RedeemUnredeemable", func(t *testing.T) { testRedeemUnredeemable(t, newStore(t)) })
	t.Run("Certificates", func(t *testing.T) { testCertificates(t, newStore(t)) })
	t.Run("CertificateUniqueness", func(t *testing.T) { testCertificateUniqueness(t, newStore(t)) })
	t.Run("RevokeIdempotent", func(t *testing.T) { testRevokeIdempotent(t, newStore(t)) })
}

// now truncates to the microsecond so round trips through SQL backends compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewUser returns a user fixture for profileID.
func NewUser(profileID string, expiry time.Time) *storage.User {
	return &storage.User{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Username:  "user-" + uuid.NewString()[:8],
		Expiry:    expiry,
		CreatedAt: now(),
	}
}

// NewCertificate returns a certificate fixture for u.
func NewCertificate(u *storage.User, serial int64, cn string) *storage.Certificate {
	n := now()
	return &storage.Certificate{
		ID:               uuid.NewString(),
		SerialNumber:     serial,
		ProfileID:        u.ProfileID,
		UserID:           u.ID,
		InvitationID:     uuid.NewString(),
		CommonName:       cn,
		Federation:       "NL",
		Issued:           n,
		Expiry:           n.Add(30 * 24 * time.Hour),
		RevocationStatus: storage.NotRevoked,
	}
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))
	require.NoError(t, s.CreateUser(ctx, NewUser("p2", now())))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Username, got.Username)
	assert.True(t, u.Expiry.Equal(got.Expiry))

	_, err = s.GetUser(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	users, err := s.ListUsers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, u.ID, users[0].ID)

	got.Expiry = now()
	got.LastAcknowledgement = now()
	require.NoError(t, s.UpdateUser(ctx, got))
	again, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Expiry.Equal(again.Expiry))
	assert.False(t, again.LastAcknowledgement.IsZero())

	missing := NewUser("p1", now())
	assert.ErrorIs(t, s.UpdateUser(ctx, missing), storage.ErrNotFound)
}

func newInvitation(u *storage.User, quantity int) *storage.Invitation {
	return &storage.Invitation{
		ID:        uuid.NewString(),
		Token:     uuid.NewString(),
		ProfileID: u.ProfileID,
		UserID:    u.ID,
		Expiry:    now().Add(48 * time.Hour),
		Quantity:  quantity,
		CreatedAt: now(),
	}
}

func testInvitations(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))

	inv := newInvitation(u, 2)
	require.NoError(t, s.CreateInvitation(ctx, inv))

	dup := newInvitation(u, 1)
	dup.Token = inv.Token
	assert.ErrorIs(t, s.CreateInvitation(ctx, dup), storage.ErrConflict)

	got, err := s.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, inv.UserID, got.UserID)
	assert.Equal(t, storage.InvitationValid, got.State(now()))

	_, err = s.GetInvitation(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	red, err := s.RedeemInvitation(ctx, inv.Token, now())
	require.NoError(t, err)
	assert.Equal(t, 1, red.Redeemed)
	assert.Equal(t, storage.InvitationPartiallyRedeemed, red.State(now()))

	_, err = s.RedeemInvitation(ctx, inv.Token, now())
	require.NoError(t, err)
	_, err = s.RedeemInvitation(ctx, inv.Token, now())
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, s.ReleaseInvitation(ctx, inv.Token))
	got, err = s.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Redeemed)

	got.Expiry = now()
	require.NoError(t, s.UpdateInvitation(ctx, got))

	list, err := s.ListInvitations(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, storage.InvitationExpired, list[0].State(now().Add(time.Second)))
}

func testRedeemUnredeemable(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))

	revoked := newInvitation(u, 2)
	require.NoError(t, s.CreateInvitation(ctx, revoked))
	revoked.Revoked = true
	require.NoError(t, s.UpdateInvitation(ctx, revoked))
	_, err := s.RedeemInvitation(ctx, revoked.Token, now())
	assert.ErrorIs(t, err, storage.ErrConflict)

	expired := newInvitation(u, 2)
	require.NoError(t, s.CreateInvitation(ctx, expired))
	_, err = s.RedeemInvitation(ctx, expired.Token, expired.Expiry)
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.RedeemInvitation(ctx, expired.Token, expired.Expiry.Add(time.Hour))
	assert.ErrorIs(t, err, storage.ErrConflict)

	for _, inv := range []*storage.Invitation{revoked, expired} {
		got, err := s.GetInvitation(ctx, inv.Token)
		require.NoError(t, err)
		assert.Zero(t, got.Redeemed)
	}

	_, err = s.RedeemInvitation(ctx, uuid.NewString(), now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRedeemConcurrent(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))
	inv := newInvitation(u, 3)
	require.NoError(t, s.CreateInvitation(ctx, inv))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RedeemInvitation(ctx, inv.Token, now()); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, success)
}

func testCertificates(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))

	c := NewCertificate(u, 1234567890123, "abc@example.org")
	c.Device = "laptop"
	require.NoError(t, s.CreateCertificate(ctx, c))
	require.NoError(t, s.CreateCertificate(ctx, NewCertificate(u, 42, "def@example.org")))

	got, err := s.GetCertificate(ctx, c.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, c.CommonName, got.CommonName)
	assert.Equal(t, "laptop", got.Device)
	assert.Equal(t, storage.NotRevoked, got.RevocationStatus)
	assert.True(t, got.RevocationTime.IsZero())

	_, err = s.GetCertificate(ctx, 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exists, err := s.SerialExists(ctx, c.SerialNumber)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.SerialExists(ctx, 99)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = s.CommonNameExists(ctx, "def@example.org")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.CommonNameExists(ctx, "zzz@example.org")
	require.NoError(t, err)
	assert.False(t, exists)

	list, err := s.ListCertificates(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	at := now()
	require.NoError(t, s.SetOCSP(ctx, c.SerialNumber, []byte{0x30, 0x03, 0x0a, 0x01, 0x00}, at))
	got, err = s.GetCertificate(ctx, c.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x03, 0x0a, 0x01, 0x00}, got.OCSP)
	assert.True(t, at.Equal(got.OCSPTimestamp))

	assert.ErrorIs(t, s.SetOCSP(ctx, 5, nil, at), storage.ErrNotFound)
}

func testCertificateUniqueness(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))
	require.NoError(t, s.CreateCertificate(ctx, NewCertificate(u, 100, "a@example.org")))

	err := s.CreateCertificate(ctx, NewCertificate(u, 100, "b@example.org"))
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = s.CreateCertificate(ctx, NewCertificate(u, 101, "a@example.org"))
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Concurrent inserts of the same serial: exactly one wins.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateCertificate(ctx, NewCertificate(u, 200, fmt.Sprintf("c%d@example.org", i)))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testRevokeIdempotent(t *testing.T, s storage.Store) {
	ctx := t.Context()
	u := NewUser("p1", now().Add(24*time.Hour))
	require.NoError(t, s.CreateUser(ctx, u))
	c := NewCertificate(u, 300, "r@example.org")
	require.NoError(t, s.CreateCertificate(ctx, c))

	first := now()
	got, err := s.RevokeCertificate(ctx, c.SerialNumber, first)
	require.NoError(t, err)
	assert.Equal(t, storage.Revoked, got.RevocationStatus)
	assert.True(t, first.Equal(got.RevocationTime))

	got, err = s.RevokeCertificate(ctx, c.SerialNumber, first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, storage.Revoked, got.RevocationStatus)
	assert.True(t, first.Equal(got.RevocationTime), "re-revocation must not move the revocation time")

	_, err = s.RevokeCertificate(ctx, 999, first)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
