// Package identity implements the identity and token operations of the
// certificate lifecycle on top of a storage.Store: globally unique
// usernames and serial numbers, certificate and revocation records,
// status snapshots, and user and invitation administration.
//
// Uniqueness relies on the store rejecting duplicates atomically. The
// generators here only pick candidates that are unused at the time of the
// check; a concurrent writer may still win the race, in which case the
// store reports storage.ErrConflict and the caller generates again.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/silverbullet/internal/util"
	"github.com/jmcleod/silverbullet/storage"
)

// MaxCommonNameLength is the PKIX upper bound for a subject CN.
const MaxCommonNameLength = 64

const (
	defaultMaxAttempts = 100
	inviteTokenBytes   = 32
)

var (
	// ErrUniqueExhausted is returned when no unused value was found within
	// the attempt budget.
	ErrUniqueExhausted = errors.New("no unique value found")

	// ErrRealmTooLong is returned when the realm leaves no room for a
	// local part within MaxCommonNameLength.
	ErrRealmTooLong = errors.New("realm too long for a certificate common name")
)

// Store wraps a storage.Store with the identity and token operations.
type Store struct {
	store       storage.Store
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxAttempts bounds the retry loops of the unique generators.
func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over the given backend.
func New(store storage.Store, opts ...Option) *Store {
	s := &Store{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// Backend returns the underlying storage.Store.
func (s *Store) Backend() storage.Store {
	return s.store
}

// Now returns the current time of the store's clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// ---------------------------------------------------------------------------
// Unique value generation
// ---------------------------------------------------------------------------

// FindUniqueUsername returns "<local>@<realm>" where the random local part
// fills the CN length budget and the result is not the common name of any
// stored certificate.
func (s *Store) FindUniqueUsername(ctx context.Context, realm string) (string, error) {
	localLen := MaxCommonNameLength - 1 - len(realm)
	if localLen < 1 {
		return "", fmt.Errorf("%w: %q", ErrRealmTooLong, realm)
	}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		local, err := util.RandomChars(localLen, util.UsernameAlphabet)
		if err != nil {
			return "", err
		}
		candidate := local + "@" + realm
		exists, err := s.store.CommonNameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("checking common name: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		s.logger.Debug("username collision, retrying", slog.Int("attempt", attempt))
	}
	return "", fmt.Errorf("username for realm %s: %w", realm, ErrUniqueExhausted)
}

// FindUniqueSerial returns a random positive 63-bit serial number that no
// stored certificate carries.
func (s *Store) FindUniqueSerial(ctx context.Context) (int64, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		serial, err := util.RandomSerial()
		if err != nil {
			return 0, err
		}
		exists, err := s.store.SerialExists(ctx, serial)
		if err != nil {
			return 0, fmt.Errorf("checking serial: %w", err)
		}
		if !exists {
			return serial, nil
		}
		s.logger.Debug("serial collision, retrying", slog.Int("attempt", attempt))
	}
	return 0, fmt.Errorf("serial: %w", ErrUniqueExhausted)
}

// ---------------------------------------------------------------------------
// Certificate records
// ---------------------------------------------------------------------------

// RecordCertificate inserts a certificate row and returns its ID. A
// duplicate serial or common name yields an error wrapping
// storage.ErrConflict.
func (s *Store) RecordCertificate(ctx context.Context, c *storage.Certificate) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.RevocationStatus == "" {
		c.RevocationStatus = storage.NotRevoked
	}
	if err := s.store.CreateCertificate(ctx, c); err != nil {
		return "", fmt.Errorf("recording certificate: %w", err)
	}
	return c.ID, nil
}

// RecordRevocation marks the certificate revoked. Revoking an already
// revoked certificate succeeds and keeps the original revocation time.
func (s *Store) RecordRevocation(ctx context.Context, serial int64, at time.Time) (*storage.Certificate, error) {
	c, err := s.store.RevokeCertificate(ctx, serial, at)
	if err != nil {
		return nil, fmt.Errorf("recording revocation: %w", err)
	}
	return c, nil
}

// StatusSnapshot is the stored state needed to derive a certificate's
// OCSP status.
type StatusSnapshot struct {
	SerialNumber     int64
	CommonName       string
	Federation       string
	RevocationStatus storage.RevocationStatus
	RevocationTime   time.Time
	Expiry           time.Time
	CachedOCSP       []byte
	OCSPTimestamp    time.Time
}

// QueryCertificateStatus loads the status snapshot of a certificate.
func (s *Store) QueryCertificateStatus(ctx context.Context, serial int64) (*StatusSnapshot, error) {
	c, err := s.store.GetCertificate(ctx, serial)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		SerialNumber:     c.SerialNumber,
		CommonName:       c.CommonName,
		Federation:       c.Federation,
		RevocationStatus: c.RevocationStatus,
		RevocationTime:   c.RevocationTime,
		Expiry:           c.Expiry,
		CachedOCSP:       c.OCSP,
		OCSPTimestamp:    c.OCSPTimestamp,
	}, nil
}

// StoreOCSP persists a freshly signed OCSP response.
func (s *Store) StoreOCSP(ctx context.Context, serial int64, response []byte, at time.Time) error {
	if err := s.store.SetOCSP(ctx, serial, response, at); err != nil {
		return fmt.Errorf("storing OCSP response: %w", err)
	}
	return nil
}

// Certificate returns the stored record for serial.
func (s *Store) Certificate(ctx context.Context, serial int64) (*storage.Certificate, error) {
	return s.store.GetCertificate(ctx, serial)
}

// ListCertificates returns every certificate issued to a user.
func (s *Store) ListCertificates(ctx context.Context, userID string) ([]*storage.Certificate, error) {
	return s.store.ListCertificates(ctx, userID)
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

func newToken() (string, error) {
	b, err := util.RandomBytes(inviteTokenBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateInvitation issues a new enrollment token for the user, redeemable
// quantity times until validity elapses.
func (s *Store) CreateInvitation(ctx context.Context, u *storage.User, quantity int, validity time.Duration) (*storage.Invitation, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("invitation quantity must be positive, got %d", quantity)
	}
	now := s.now().UTC()
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		inv := &storage.Invitation{
			ID:        uuid.NewString(),
			Token:     token,
			ProfileID: u.ProfileID,
			UserID:    u.ID,
			Expiry:    now.Add(validity),
			Quantity:  quantity,
			CreatedAt: now,
		}
		err = s.store.CreateInvitation(ctx, inv)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("creating invitation: %w", err)
		}
	}
	return nil, fmt.Errorf("invitation token: %w", ErrUniqueExhausted)
}

// Invitation resolves a token.
func (s *Store) Invitation(ctx context.Context, token string) (*storage.Invitation, error) {
	return s.store.GetInvitation(ctx, token)
}

// ListInvitations returns every invitation of a user.
func (s *Store) ListInvitations(ctx context.Context, userID string) ([]*storage.Invitation, error) {
	return s.store.ListInvitations(ctx, userID)
}

// Redeem consumes one redemption of the invitation.
func (s *Store) Redeem(ctx context.Context, token string) (*storage.Invitation, error) {
	return s.store.RedeemInvitation(ctx, token, s.now())
}

// Release returns one redemption after a failed issuance.
func (s *Store) Release(ctx context.Context, token string) error {
	return s.store.ReleaseInvitation(ctx, token)
}

// RevokeInvitation withdraws an invitation. Revoking twice is a no-op.
func (s *Store) RevokeInvitation(ctx context.Context, token string) (*storage.Invitation, error) {
	inv, err := s.store.GetInvitation(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Revoked {
		return inv, nil
	}
	inv.Revoked = true
	if err := s.store.UpdateInvitation(ctx, inv); err != nil {
		return nil, fmt.Errorf("revoking invitation: %w", err)
	}
	return inv, nil
}
