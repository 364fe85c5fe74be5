package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/silverbullet/storage"
)

// AddUser creates a user account in a profile.
func (s *Store) AddUser(ctx context.Context, profileID, username string, expiry time.Time) (*storage.User, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	u := &storage.User{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Username:  username,
		Expiry:    expiry.UTC(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// User returns a user by ID.
func (s *Store) User(ctx context.Context, id string) (*storage.User, error) {
	return s.store.GetUser(ctx, id)
}

// ListUsers returns all users of a profile, including expired ones.
func (s *Store) ListUsers(ctx context.Context, profileID string) ([]*storage.User, error) {
	return s.store.ListUsers(ctx, profileID)
}

// IsActive reports whether a user holds a redeemable invitation or a live
// certificate.
func (s *Store) IsActive(ctx context.Context, userID string) (bool, error) {
	now := s.now()
	invs, err := s.store.ListInvitations(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, inv := range invs {
		if inv.Redeemable(now) {
			return true, nil
		}
	}
	certs, err := s.store.ListCertificates(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range certs {
		if c.Live(now) {
			return true, nil
		}
	}
	return false, nil
}

// ListActiveUsers returns the active users of a profile.
func (s *Store) ListActiveUsers(ctx context.Context, profileID string) ([]*storage.User, error) {
	users, err := s.store.ListUsers(ctx, profileID)
	if err != nil {
		return nil, err
	}
	var active []*storage.User
	for _, u := range users {
		ok, err := s.IsActive(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			active = append(active, u)
		}
	}
	return active, nil
}

// CountActiveUsers sums the active users across the given profiles.
func (s *Store) CountActiveUsers(ctx context.Context, profileIDs []string) (int, error) {
	total := 0
	for _, id := range profileIDs {
		active, err := s.ListActiveUsers(ctx, id)
		if err != nil {
			return 0, err
		}
		total += len(active)
	}
	return total, nil
}

// SetExpiry changes a user's account expiry.
func (s *Store) SetExpiry(ctx context.Context, userID string, expiry time.Time) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.Expiry = expiry.UTC()
	return s.store.UpdateUser(ctx, u)
}

// Expiry returns a user's account expiry.
func (s *Store) Expiry(ctx context.Context, userID string) (time.Time, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return u.Expiry, nil
}

// Acknowledge records that an administrator re-confirmed the account.
func (s *Store) Acknowledge(ctx context.Context, userID string) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.LastAcknowledgement = s.now().UTC()
	return s.store.UpdateUser(ctx, u)
}

// RevocationHook runs after a certificate has been marked revoked during
// deactivation, typically to regenerate its OCSP statement.
type RevocationHook func(ctx context.Context, c *storage.Certificate) error

// DeactivationResult summarises what a deactivation changed.
type DeactivationResult struct {
	ExpiredInvitations []string
	RevokedSerials     []int64
}

// Deactivate expires all open invitations, revokes all live certificates
// and finally expires the user record, in that order. There is no
// enclosing transaction: every step is idempotent, so a failed
// deactivation is completed by running it again. Storage failures abort
// the cascade; hook failures are collected and returned after the user
// row has been expired, since the certificate is already revoked in
// storage by then.
//
// Certificates are swept a second time once the user row is expired, so
// an issuance that recorded its certificate during the cascade is caught
// either here or by the issuer's own post-record check.
func (s *Store) Deactivate(ctx context.Context, userID string, hook RevocationHook) (*DeactivationResult, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	res := &DeactivationResult{}

	invs, err := s.store.ListInvitations(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("listing invitations: %w", err)
	}
	for _, inv := range invs {
		if !inv.Redeemable(now) {
			continue
		}
		inv.Expiry = now
		if err := s.store.UpdateInvitation(ctx, inv); err != nil {
			return res, fmt.Errorf("expiring invitation %s: %w", inv.ID, err)
		}
		res.ExpiredInvitations = append(res.ExpiredInvitations, inv.ID)
	}

	var hookErrs []error
	if err := s.revokeLive(ctx, userID, now, hook, res, &hookErrs); err != nil {
		return res, err
	}

	// Re-read so fields changed during the cascade are kept.
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("expiring user: %w", err)
	}
	if u.Expiry.After(now) {
		u.Expiry = now
		if err := s.store.UpdateUser(ctx, u); err != nil {
			return res, fmt.Errorf("expiring user: %w", err)
		}
	}

	if err := s.revokeLive(ctx, userID, now, hook, res, &hookErrs); err != nil {
		return res, err
	}
	return res, errors.Join(hookErrs...)
}

func (s *Store) revokeLive(ctx context.Context, userID string, now time.Time, hook RevocationHook,
	res *DeactivationResult, hookErrs *[]error,
) error {
	certs, err := s.store.ListCertificates(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing certificates: %w", err)
	}
	for _, c := range certs {
		if !c.Live(now) {
			continue
		}
		revoked, err := s.RecordRevocation(ctx, c.SerialNumber, now)
		if err != nil {
			return err
		}
		res.RevokedSerials = append(res.RevokedSerials, c.SerialNumber)
		if hook == nil {
			continue
		}
		if err := hook(ctx, revoked); err != nil {
			s.logger.Warn("post-revocation hook failed",
				slog.Int64("serial", c.SerialNumber),
				slog.String("error", err.Error()))
			*hookErrs = append(*hookErrs, fmt.Errorf("serial %d: %w", c.SerialNumber, err))
		}
	}
	return nil
}
