// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/silverbullet/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu sync.RWMutex

	users       map[string]*storage.User
	invitations map[string]*storage.Invitation // token -> invitation
	certs       map[int64]*storage.Certificate
	commonNames map[string]int64
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		users:       make(map[string]*storage.User),
		invitations: make(map[string]*storage.Invitation),
		certs:       make(map[int64]*storage.Certificate),
		commonNames: make(map[string]int64),
	}
}

func cloneUser(u *storage.User) *storage.User {
	cp := *u
	return &cp
}

func cloneInvitation(inv *storage.Invitation) *storage.Invitation {
	cp := *inv
	return &cp
}

func cloneCertificate(c *storage.Certificate) *storage.Certificate {
	cp := *c
	cp.OCSP = append([]byte(nil), c.OCSP...)
	return &cp
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *Store) ListUsers(_ context.Context, profileID string) ([]*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.User
	for _, u := range s.users {
		if u.ProfileID == profileID {
			out = append(out, cloneUser(u))
		}
	}
	slices.SortFunc(out, func(a, b *storage.User) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, u *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

func (s *Store) CreateInvitation(_ context.Context, inv *storage.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.Token]; ok {
		return fmt.Errorf("invitation token: %w", storage.ErrConflict)
	}
	s.invitations[inv.Token] = cloneInvitation(inv)
	return nil
}

func (s *Store) GetInvitation(_ context.Context, token string) (*storage.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[token]
	if !ok {
		return nil, fmt.Errorf("invitation: %w", storage.ErrNotFound)
	}
	return cloneInvitation(inv), nil
}

func (s *Store) ListInvitations(_ context.Context, userID string) ([]*storage.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Invitation
	for _, inv := range s.invitations {
		if inv.UserID == userID {
			out = append(out, cloneInvitation(inv))
		}
	}
	slices.SortFunc(out, func(a, b *storage.Invitation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) UpdateInvitation(_ context.Context, inv *storage.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.Token]; !ok {
		return fmt.Errorf("invitation: %w", storage.ErrNotFound)
	}
	s.invitations[inv.Token] = cloneInvitation(inv)
	return nil
}

func (s *Store) RedeemInvitation(_ context.Context, token string, now time.Time) (*storage.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[token]
	if !ok {
		return nil, fmt.Errorf("invitation: %w", storage.ErrNotFound)
	}
	if !inv.Redeemable(now) {
		return nil, fmt.Errorf("invitation %s: %w", strings.ToLower(string(inv.State(now))), storage.ErrConflict)
	}
	inv.Redeemed++
	return cloneInvitation(inv), nil
}

func (s *Store) ReleaseInvitation(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[token]
	if !ok {
		return fmt.Errorf("invitation: %w", storage.ErrNotFound)
	}
	if inv.Redeemed > 0 {
		inv.Redeemed--
	}
	return nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (s *Store) CreateCertificate(_ context.Context, c *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[c.SerialNumber]; ok {
		return fmt.Errorf("serial %d: %w", c.SerialNumber, storage.ErrConflict)
	}
	if _, ok := s.commonNames[c.CommonName]; ok {
		return fmt.Errorf("common name %s: %w", c.CommonName, storage.ErrConflict)
	}
	s.certs[c.SerialNumber] = cloneCertificate(c)
	s.commonNames[c.CommonName] = c.SerialNumber
	return nil
}

func (s *Store) GetCertificate(_ context.Context, serial int64) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[serial]
	if !ok {
		return nil, fmt.Errorf("certificate %d: %w", serial, storage.ErrNotFound)
	}
	return cloneCertificate(c), nil
}

func (s *Store) ListCertificates(_ context.Context, userID string) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Certificate
	for _, c := range s.certs {
		if c.UserID == userID {
			out = append(out, cloneCertificate(c))
		}
	}
	slices.SortFunc(out, func(a, b *storage.Certificate) int { return a.Issued.Compare(b.Issued) })
	return out, nil
}

func (s *Store) SerialExists(_ context.Context, serial int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.certs[serial]
	return ok, nil
}

func (s *Store) CommonNameExists(_ context.Context, cn string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.commonNames[cn]
	return ok, nil
}

func (s *Store) RevokeCertificate(_ context.Context, serial int64, at time.Time) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[serial]
	if !ok {
		return nil, fmt.Errorf("certificate %d: %w", serial, storage.ErrNotFound)
	}
	if c.RevocationStatus != storage.Revoked {
		c.RevocationStatus = storage.Revoked
		c.RevocationTime = at
	}
	return cloneCertificate(c), nil
}

func (s *Store) SetOCSP(_ context.Context, serial int64, response []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[serial]
	if !ok {
		return fmt.Errorf("certificate %d: %w", serial, storage.ErrNotFound)
	}
	c.OCSP = append([]byte(nil), response...)
	c.OCSPTimestamp = at
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
