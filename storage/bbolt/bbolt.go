// Package bbolt provides a BBolt-backed storage.Store.
//
// Records are JSON documents in one bucket per record kind. Uniqueness of
// certificate common names is enforced through an index bucket updated in
// the same write transaction as the certificate itself; BBolt serialises
// writers, so check-and-insert inside one Update is atomic.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/silverbullet/storage"
)

var (
	bucketUsers       = []byte("users")
	bucketInvitations = []byte("invitations")
	bucketCerts       = []byte("certificates")
	bucketCNIndex     = []byte("cn_index")
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database, creating
// the buckets it needs.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketInvitations, bucketCerts, bucketCNIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func serialKey(serial int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(serial))
	return k
}

func get[T any](b *bbolt.Bucket, key []byte, what string) (*T, error) {
	data := b.Get(key)
	if data == nil {
		return nil, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", what, err)
	}
	return &v, nil
}

func put(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func scan[T any](b *bbolt.Bucket, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(_, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if keep(&v) {
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u *storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
		}
		return put(b, []byte(u.ID), u)
	})
}

func (s *Store) GetUser(_ context.Context, id string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = get[storage.User](tx.Bucket(bucketUsers), []byte(id), "user "+id)
		return err
	})
	return u, err
}

func (s *Store) ListUsers(_ context.Context, profileID string) ([]*storage.User, error) {
	var users []*storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		users, err = scan(tx.Bucket(bucketUsers), func(u *storage.User) bool { return u.ProfileID == profileID })
		return err
	})
	slices.SortFunc(users, func(a, b *storage.User) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return users, err
}

func (s *Store) UpdateUser(_ context.Context, u *storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.ID)) == nil {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
		}
		return put(b, []byte(u.ID), u)
	})
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

func (s *Store) CreateInvitation(_ context.Context, inv *storage.Invitation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		if b.Get([]byte(inv.Token)) != nil {
			return fmt.Errorf("invitation token: %w", storage.ErrConflict)
		}
		return put(b, []byte(inv.Token), inv)
	})
}

func (s *Store) GetInvitation(_ context.Context, token string) (*storage.Invitation, error) {
	var inv *storage.Invitation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		inv, err = get[storage.Invitation](tx.Bucket(bucketInvitations), []byte(token), "invitation")
		return err
	})
	return inv, err
}

func (s *Store) ListInvitations(_ context.Context, userID string) ([]*storage.Invitation, error) {
	var out []*storage.Invitation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = scan(tx.Bucket(bucketInvitations), func(inv *storage.Invitation) bool { return inv.UserID == userID })
		return err
	})
	slices.SortFunc(out, func(a, b *storage.Invitation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, err
}

func (s *Store) UpdateInvitation(_ context.Context, inv *storage.Invitation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		if b.Get([]byte(inv.Token)) == nil {
			return fmt.Errorf("invitation: %w", storage.ErrNotFound)
		}
		return put(b, []byte(inv.Token), inv)
	})
}

func (s *Store) RedeemInvitation(_ context.Context, token string, now time.Time) (*storage.Invitation, error) {
	var inv *storage.Invitation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		var err error
		inv, err = get[storage.Invitation](b, []byte(token), "invitation")
		if err != nil {
			return err
		}
		if !inv.Redeemable(now) {
			return fmt.Errorf("invitation %s: %w", strings.ToLower(string(inv.State(now))), storage.ErrConflict)
		}
		inv.Redeemed++
		return put(b, []byte(token), inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) ReleaseInvitation(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		inv, err := get[storage.Invitation](b, []byte(token), "invitation")
		if err != nil {
			return err
		}
		if inv.Redeemed > 0 {
			inv.Redeemed--
		}
		return put(b, []byte(token), inv)
	})
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (s *Store) CreateCertificate(_ context.Context, c *storage.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		idx := tx.Bucket(bucketCNIndex)
		key := serialKey(c.SerialNumber)
		if certs.Get(key) != nil {
			return fmt.Errorf("serial %d: %w", c.SerialNumber, storage.ErrConflict)
		}
		if idx.Get([]byte(c.CommonName)) != nil {
			return fmt.Errorf("common name %s: %w", c.CommonName, storage.ErrConflict)
		}
		if err := idx.Put([]byte(c.CommonName), key); err != nil {
			return err
		}
		return put(certs, key, c)
	})
}

func (s *Store) GetCertificate(_ context.Context, serial int64) (*storage.Certificate, error) {
	var c *storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = get[storage.Certificate](tx.Bucket(bucketCerts), serialKey(serial), fmt.Sprintf("certificate %d", serial))
		return err
	})
	return c, err
}

func (s *Store) ListCertificates(_ context.Context, userID string) ([]*storage.Certificate, error) {
	var out []*storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = scan(tx.Bucket(bucketCerts), func(c *storage.Certificate) bool { return c.UserID == userID })
		return err
	})
	slices.SortFunc(out, func(a, b *storage.Certificate) int { return a.Issued.Compare(b.Issued) })
	return out, err
}

func (s *Store) SerialExists(_ context.Context, serial int64) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketCerts).Get(serialKey(serial)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) CommonNameExists(_ context.Context, cn string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketCNIndex).Get([]byte(cn)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) RevokeCertificate(_ context.Context, serial int64, at time.Time) (*storage.Certificate, error) {
	var c *storage.Certificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCerts)
		key := serialKey(serial)
		var err error
		c, err = get[storage.Certificate](b, key, fmt.Sprintf("certificate %d", serial))
		if err != nil {
			return err
		}
		if c.RevocationStatus == storage.Revoked {
			return nil
		}
		c.RevocationStatus = storage.Revoked
		c.RevocationTime = at
		return put(b, key, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) SetOCSP(_ context.Context, serial int64, response []byte, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCerts)
		key := serialKey(serial)
		c, err := get[storage.Certificate](b, key, fmt.Sprintf("certificate %d", serial))
		if err != nil {
			return err
		}
		c.OCSP = bytes.Clone(response)
		c.OCSPTimestamp = at
		return put(b, key, c)
	})
}
