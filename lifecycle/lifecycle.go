// Package lifecycle orchestrates certificate issuance, revocation,
// enumeration and user deactivation across the identity store, the CA
// signers and the OCSP status engine.
package lifecycle

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/internal/util"
	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/profile"
	"github.com/jmcleod/silverbullet/status"
	"github.com/jmcleod/silverbullet/storage"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidToken is returned when the invitation does not exist or is
	// no longer redeemable.
	ErrInvalidToken = errors.New("invalid invitation token")

	// ErrProfileMismatch is returned when the invitation belongs to a
	// different profile than the caller's.
	ErrProfileMismatch = errors.New("invitation belongs to a different profile")

	// ErrUserNotFound is returned when the invitation's user is missing.
	ErrUserNotFound = errors.New("user not found")

	// ErrMaxActiveUsers is returned when inviting another user would exceed
	// the federation's active-user limit.
	ErrMaxActiveUsers = errors.New("maximum number of active users reached")
)

const defaultMaxRetries = 3

// Manager runs the certificate lifecycle operations.
type Manager struct {
	ids        *identity.Store
	profiles   *profile.Registry
	signers    *pki.Signers
	csrs       *pki.CSRGenerator
	status     *status.Engine
	keys       pki.KeyStore
	logger     *slog.Logger
	maxRetries int

	// fedLocks serializes the active-user check and the invitation insert
	// per federation within this process.
	fedMu    sync.Mutex
	fedLocks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLeafKeyStore sets the key store that generates client keys. Keys
// must be exportable, since they are shipped inside PKCS#12 containers.
func WithLeafKeyStore(ks pki.KeyStore) Option {
	return func(m *Manager) { m.keys = ks }
}

// WithMaxRetries bounds how often an issuance is regenerated after a
// uniqueness conflict at persistence time.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// New returns a Manager. consortium is the O attribute of client
// certificate subjects.
func New(ids *identity.Store, profiles *profile.Registry, signers *pki.Signers, engine *status.Engine, consortium string, opts ...Option) *Manager {
	m := &Manager{
		ids:        ids,
		profiles:   profiles,
		signers:    signers,
		csrs:       pki.NewCSRGenerator(ids, consortium),
		status:     engine,
		maxRetries: defaultMaxRetries,
		fedLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.keys == nil {
		m.keys = pki.NewSoftwareKeyStore(pki.RSA2048)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return m
}

// Issuer returns the embedded issuing CA certificate, or nil when no
// embedded CA is configured.
func (m *Manager) Issuer() *x509.Certificate {
	if m.signers == nil || m.signers.Embedded == nil {
		return nil
	}
	return m.signers.Embedded.Issuer()
}

// Identity returns the underlying identity store.
func (m *Manager) Identity() *identity.Store { return m.ids }

// Profiles returns the profile registry.
func (m *Manager) Profiles() *profile.Registry { return m.profiles }

// Status returns the OCSP status engine.
func (m *Manager) Status() *status.Engine { return m.status }

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// IssueRequest carries the caller's input to IssueCertificate.
type IssueRequest struct {
	Token          string
	ExportPassword string
	Device         string
}

// CertificatePackage is a freshly issued client credential.
type CertificatePackage struct {
	Username       string
	Protected      []byte
	Clear          []byte
	Expiry         time.Time
	Fingerprint    string
	Serial         int64
	CertificateID  string
	ExportPassword string
}

// IssueCertificate redeems an invitation and returns a packaged client
// certificate. Either the whole issuance succeeds, or the caller gets an
// error and no credential. If the initial OCSP statement fails after the
// certificate was recorded, the record stays and its statement can be
// regenerated later.
func (m *Manager) IssueCertificate(ctx context.Context, profileID string, req IssueRequest) (*CertificatePackage, error) {
	prof, err := m.profiles.Get(profileID)
	if err != nil {
		return nil, err
	}
	now := m.ids.Now()

	inv, err := m.ids.Invitation(ctx, req.Token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	} else if err != nil {
		return nil, err
	}
	if !inv.Redeemable(now) {
		return nil, fmt.Errorf("%w: invitation is %s", ErrInvalidToken, inv.State(now))
	}
	if inv.ProfileID != prof.ID {
		return nil, ErrProfileMismatch
	}

	user, err := m.ids.User(ctx, inv.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, inv.UserID)
	} else if err != nil {
		return nil, err
	}
	validityDays, err := pki.ValidityDays(user.Expiry, now)
	if err != nil {
		return nil, err
	}
	signer, err := m.signers.For(prof)
	if err != nil {
		return nil, err
	}

	// Reserve one redemption up front so concurrent requests cannot
	// over-redeem; hand it back if nothing gets recorded.
	if _, err := m.ids.Redeem(ctx, req.Token); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil, err
	}

	pkg, cert, err := m.issueWithRetry(ctx, prof, signer, user, inv, validityDays, req)
	if err != nil {
		if rerr := m.ids.Release(context.WithoutCancel(ctx), req.Token); rerr != nil {
			m.logger.Warn("releasing invitation failed",
				slog.String("invitation_id", inv.ID),
				slog.String("error", rerr.Error()))
		}
		return nil, err
	}

	if err := m.recheckEntitlement(ctx, inv, cert); err != nil {
		return nil, err
	}

	if _, err := m.status.TriggerNewStatement(ctx, cert.SerialNumber); err != nil {
		return nil, err
	}

	m.logger.Info("certificate issued",
		slog.String("profile_id", prof.ID),
		slog.String("user_id", user.ID),
		slog.String("serial", util.SerialHex(cert.SerialNumber)),
		slog.String("username", cert.CommonName),
		slog.Time("expiry", cert.Expiry))
	return pkg, nil
}

// recheckEntitlement re-reads the invitation and the user after the
// certificate was recorded. A deactivation or invitation revocation that
// ran concurrently with the issuance revokes the new certificate.
func (m *Manager) recheckEntitlement(ctx context.Context, inv *storage.Invitation, cert *storage.Certificate) error {
	cur, err := m.ids.Invitation(ctx, inv.Token)
	if err != nil {
		return fmt.Errorf("rechecking invitation: %w", err)
	}
	user, err := m.ids.User(ctx, cert.UserID)
	if err != nil {
		return fmt.Errorf("rechecking user: %w", err)
	}
	now := m.ids.Now()

	var reason string
	switch {
	case cur.Revoked:
		reason = "invitation revoked"
	case cur.Expiry.Before(inv.Expiry):
		reason = "invitation expired"
	case user.Expired(now):
		reason = "user expired"
	default:
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	if _, err := m.ids.RecordRevocation(ctx, cert.SerialNumber, now); err != nil {
		return fmt.Errorf("revoking certificate issued after %s: %w", reason, err)
	}
	if _, err := m.status.TriggerNewStatement(ctx, cert.SerialNumber); err != nil {
		m.logger.Warn("OCSP statement for withdrawn certificate failed",
			slog.String("serial", util.SerialHex(cert.SerialNumber)),
			slog.String("error", err.Error()))
	}
	m.logger.Warn("certificate revoked right after issuance",
		slog.String("serial", util.SerialHex(cert.SerialNumber)),
		slog.String("user_id", user.ID),
		slog.String("reason", reason))
	return fmt.Errorf("%w: %s during issuance", ErrInvalidToken, reason)
}

func (m *Manager) issueWithRetry(ctx context.Context, prof *profile.Profile, signer pki.Signer, user *storage.User,
	inv *storage.Invitation, validityDays int, req IssueRequest,
) (*CertificatePackage, *storage.Certificate, error) {
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		pkg, cert, err := m.issueOnce(ctx, prof, signer, user, inv, validityDays, req)
		if err == nil {
			return pkg, cert, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, nil, err
		}
		m.logger.Debug("issuance lost a uniqueness race, regenerating",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		lastErr = err
	}
	return nil, nil, lastErr
}

func (m *Manager) issueOnce(ctx context.Context, prof *profile.Profile, signer pki.Signer, user *storage.User,
	inv *storage.Invitation, validityDays int, req IssueRequest,
) (*CertificatePackage, *storage.Certificate, error) {
	keyID, err := m.keys.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", pki.ErrGeneration, err)
	}
	defer m.keys.Delete(keyID)
	key, err := m.keys.Signer(keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", pki.ErrGeneration, err)
	}

	csr, err := m.csrs.Generate(ctx, key, prof)
	if err != nil {
		return nil, nil, err
	}
	signed, err := signer.Sign(ctx, csr.Request, validityDays)
	if err != nil {
		return nil, nil, err
	}
	cred, err := pki.PackageCredential(key, signed.Certificate, signed.Chain, req.ExportPassword)
	if err != nil {
		return nil, nil, err
	}

	cert := &storage.Certificate{
		SerialNumber: signed.Serial,
		ProfileID:    prof.ID,
		UserID:       user.ID,
		InvitationID: inv.ID,
		CommonName:   csr.Username,
		Federation:   prof.Federation,
		Device:       req.Device,
		Issued:       signed.Certificate.NotBefore.UTC(),
		Expiry:       signed.Certificate.NotAfter.UTC(),
	}
	id, err := m.ids.RecordCertificate(ctx, cert)
	if err != nil {
		return nil, nil, err
	}

	return &CertificatePackage{
		Username:       csr.Username,
		Protected:      cred.Protected,
		Clear:          cred.Clear,
		Expiry:         cert.Expiry,
		Fingerprint:    pki.Fingerprint(signed.Certificate),
		Serial:         signed.Serial,
		CertificateID:  id,
		ExportPassword: req.ExportPassword,
	}, cert, nil
}

// ---------------------------------------------------------------------------
// Revocation and enumeration
// ---------------------------------------------------------------------------

// RevokeCertificate marks the certificate revoked and returns a fresh OCSP
// response. Revoking twice is allowed and keeps the first revocation time.
func (m *Manager) RevokeCertificate(ctx context.Context, serial int64) (*status.Statement, error) {
	cert, err := m.ids.Certificate(ctx, serial)
	if err != nil {
		return nil, err
	}
	prof, err := m.profiles.Get(cert.ProfileID)
	if err != nil {
		return nil, err
	}
	signer, err := m.signers.For(prof)
	if err != nil {
		return nil, err
	}
	if ext, ok := signer.(*pki.ExternalCA); ok {
		_, err := ext.Revoke(ctx, serial)
		return nil, err
	}

	if _, err := m.ids.RecordRevocation(ctx, serial, m.ids.Now().UTC()); err != nil {
		return nil, err
	}
	st, err := m.status.TriggerNewStatement(ctx, serial)
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate revoked",
		slog.String("profile_id", prof.ID),
		slog.String("user_id", cert.UserID),
		slog.String("serial", util.SerialHex(serial)))
	return st, nil
}

// ListCertificates returns every certificate issued to a user.
func (m *Manager) ListCertificates(ctx context.Context, userID string) ([]*storage.Certificate, error) {
	if _, err := m.userOrNotFound(ctx, userID); err != nil {
		return nil, err
	}
	return m.ids.ListCertificates(ctx, userID)
}

// Certificate returns a single certificate record.
func (m *Manager) Certificate(ctx context.Context, serial int64) (*storage.Certificate, error) {
	return m.ids.Certificate(ctx, serial)
}

// CurrentStatus returns the OCSP statement for serial, regenerating it
// when the cached one is stale.
func (m *Manager) CurrentStatus(ctx context.Context, serial int64) (*status.Statement, error) {
	return m.status.Current(ctx, serial)
}

// DeactivateUser expires the user's invitations, revokes their live
// certificates with a fresh OCSP statement each, and expires the account.
func (m *Manager) DeactivateUser(ctx context.Context, userID string) (*identity.DeactivationResult, error) {
	if _, err := m.userOrNotFound(ctx, userID); err != nil {
		return nil, err
	}
	res, err := m.ids.Deactivate(ctx, userID, func(ctx context.Context, c *storage.Certificate) error {
		_, err := m.status.TriggerNewStatement(ctx, c.SerialNumber)
		return err
	})
	if res != nil {
		m.logger.Info("user deactivated",
			slog.String("user_id", userID),
			slog.Int("revoked", len(res.RevokedSerials)),
			slog.Int("expired_invitations", len(res.ExpiredInvitations)))
	}
	return res, err
}

func (m *Manager) userOrNotFound(ctx context.Context, userID string) (*storage.User, error) {
	u, err := m.ids.User(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u, err
}
