package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/storage"
)

const defaultInvitationValidity = 7 * 24 * time.Hour

// AddUser creates an account in a profile.
func (m *Manager) AddUser(ctx context.Context, profileID, username string, expiry time.Time) (*storage.User, error) {
	if _, err := m.profiles.Get(profileID); err != nil {
		return nil, err
	}
	u, err := m.ids.AddUser(ctx, profileID, username, expiry)
	if err != nil {
		return nil, err
	}
	m.logger.Info("user added",
		slog.String("profile_id", profileID),
		slog.String("user_id", u.ID),
		slog.Time("expiry", u.Expiry))
	return u, nil
}

// User returns a single account.
func (m *Manager) User(ctx context.Context, userID string) (*storage.User, error) {
	return m.userOrNotFound(ctx, userID)
}

// ListUsers returns every user of a profile.
func (m *Manager) ListUsers(ctx context.Context, profileID string) ([]*storage.User, error) {
	if _, err := m.profiles.Get(profileID); err != nil {
		return nil, err
	}
	return m.ids.ListUsers(ctx, profileID)
}

// ListActiveUsers returns the users of a profile holding a redeemable
// invitation or a live certificate.
func (m *Manager) ListActiveUsers(ctx context.Context, profileID string) ([]*storage.User, error) {
	if _, err := m.profiles.Get(profileID); err != nil {
		return nil, err
	}
	return m.ids.ListActiveUsers(ctx, profileID)
}

// SetUserExpiry changes when a user's account expires.
func (m *Manager) SetUserExpiry(ctx context.Context, userID string, expiry time.Time) error {
	if _, err := m.userOrNotFound(ctx, userID); err != nil {
		return err
	}
	return m.ids.SetExpiry(ctx, userID, expiry)
}

// AcknowledgeUser records an administrator's periodic re-confirmation.
func (m *Manager) AcknowledgeUser(ctx context.Context, userID string) error {
	if _, err := m.userOrNotFound(ctx, userID); err != nil {
		return err
	}
	return m.ids.Acknowledge(ctx, userID)
}

// CreateInvitation issues an invitation good for quantity enrollments, or
// for the profile's device limit when quantity is zero. A user who is not
// active yet counts against the federation's active-user limit; the check
// and the insert are serialized per federation within one process only.
func (m *Manager) CreateInvitation(ctx context.Context, userID string, quantity int) (*storage.Invitation, error) {
	u, err := m.userOrNotFound(ctx, userID)
	if err != nil {
		return nil, err
	}
	prof, err := m.profiles.Get(u.ProfileID)
	if err != nil {
		return nil, err
	}
	if u.Expired(m.ids.Now()) {
		return nil, fmt.Errorf("inviting user %s: %w", u.ID, pki.ErrExpiredUser)
	}

	if prof.MaxActiveUsers > 0 {
		unlock := m.lockFederation(prof.Federation)
		defer unlock()
		active, err := m.ids.IsActive(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if !active {
			n, err := m.ids.CountActiveUsers(ctx, m.profiles.InFederation(prof.Federation))
			if err != nil {
				return nil, err
			}
			if n >= prof.MaxActiveUsers {
				return nil, fmt.Errorf("%w: federation %s has %d", ErrMaxActiveUsers, prof.Federation, n)
			}
		}
	}

	if quantity == 0 {
		quantity = max(prof.DeviceLimit, 1)
	}
	validity := prof.InvitationValidity
	if validity <= 0 {
		validity = defaultInvitationValidity
	}
	inv, err := m.ids.CreateInvitation(ctx, u, quantity, validity)
	if err != nil {
		return nil, err
	}
	m.logger.Info("invitation created",
		slog.String("profile_id", prof.ID),
		slog.String("user_id", u.ID),
		slog.String("invitation_id", inv.ID),
		slog.Int("quantity", inv.Quantity))
	return inv, nil
}

func (m *Manager) lockFederation(federation string) func() {
	key := strings.ToUpper(federation)
	m.fedMu.Lock()
	mu, ok := m.fedLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.fedLocks[key] = mu
	}
	m.fedMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// RevokeInvitation withdraws an invitation; remaining enrollments are void.
func (m *Manager) RevokeInvitation(ctx context.Context, token string) (*storage.Invitation, error) {
	return m.ids.RevokeInvitation(ctx, token)
}

// ListInvitations returns a user's invitations.
func (m *Manager) ListInvitations(ctx context.Context, userID string) ([]*storage.Invitation, error) {
	if _, err := m.userOrNotFound(ctx, userID); err != nil {
		return nil, err
	}
	return m.ids.ListInvitations(ctx, userID)
}
