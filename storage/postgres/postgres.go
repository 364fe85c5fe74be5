// Package postgres implements storage.Store backed by PostgreSQL.
//
// Uniqueness of serial numbers, common names and invitation tokens is
// enforced by the schema's PRIMARY KEY and UNIQUE constraints; a
// unique_violation (SQLSTATE 23505) is reported as storage.ErrConflict so
// callers can retry generation instead of failing the request.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/silverbullet/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// mapError translates pgx errors into storage sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", what, storage.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, profile_id, username, expiry, last_ack, created_at`

func scanUser(row pgx.Row) (*storage.User, error) {
	var (
		u   storage.User
		ack *time.Time
	)
	if err := row.Scan(&u.ID, &u.ProfileID, &u.Username, &u.Expiry, &ack, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.LastAcknowledgement = fromNull(ack)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO silverbullet_user (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.ProfileID, u.Username, u.Expiry, nullTime(u.LastAcknowledgement), u.CreatedAt)
	return mapError(err, "user "+u.ID)
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM silverbullet_user WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "user "+id)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, profileID string) ([]*storage.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM silverbullet_user WHERE profile_id = $1 ORDER BY created_at`, profileID)
	if err != nil {
		return nil, mapError(err, "listing users")
	}
	defer rows.Close()

	var users []*storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, u *storage.User) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE silverbullet_user SET username = $2, expiry = $3, last_ack = $4 WHERE id = $1`,
		u.ID, u.Username, u.Expiry, nullTime(u.LastAcknowledgement))
	if err != nil {
		return mapError(err, "user "+u.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

const invitationColumns = `id, token, profile_id, silverbullet_user_id, expiry, quantity, used, revoked, created_at`

func scanInvitation(row pgx.Row) (*storage.Invitation, error) {
	var inv storage.Invitation
	err := row.Scan(&inv.ID, &inv.Token, &inv.ProfileID, &inv.UserID, &inv.Expiry,
		&inv.Quantity, &inv.Redeemed, &inv.Revoked, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) CreateInvitation(ctx context.Context, inv *storage.Invitation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO silverbullet_invitation (`+invitationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, inv.Token, inv.ProfileID, inv.UserID, inv.Expiry,
		inv.Quantity, inv.Redeemed, inv.Revoked, inv.CreatedAt)
	return mapError(err, "invitation token")
}

func (s *Store) GetInvitation(ctx context.Context, token string) (*storage.Invitation, error) {
	inv, err := scanInvitation(s.pool.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM silverbullet_invitation WHERE token = $1`, token))
	if err != nil {
		return nil, mapError(err, "invitation")
	}
	return inv, nil
}

func (s *Store) ListInvitations(ctx context.Context, userID string) ([]*storage.Invitation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invitationColumns+` FROM silverbullet_invitation
		 WHERE silverbullet_user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapError(err, "listing invitations")
	}
	defer rows.Close()

	var out []*storage.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInvitation(ctx context.Context, inv *storage.Invitation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE silverbullet_invitation SET expiry = $2, quantity = $3, used = $4, revoked = $5
		 WHERE token = $1`,
		inv.Token, inv.Expiry, inv.Quantity, inv.Redeemed, inv.Revoked)
	if err != nil {
		return mapError(err, "invitation")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invitation: %w", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) RedeemInvitation(ctx context.Context, token string, now time.Time) (*storage.Invitation, error) {
	inv, err := scanInvitation(s.pool.QueryRow(ctx,
		`UPDATE silverbullet_invitation SET used = used + 1
		 WHERE token = $1 AND used < quantity AND NOT revoked AND expiry > $2
		 RETURNING `+invitationColumns, token, now.UTC()))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err, "invitation")
	}
	// Distinguish an unredeemable invitation from a missing one.
	cur, getErr := s.GetInvitation(ctx, token)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("invitation %s: %w", strings.ToLower(string(cur.State(now))), storage.ErrConflict)
}

func (s *Store) ReleaseInvitation(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE silverbullet_invitation SET used = GREATEST(used - 1, 0) WHERE token = $1`, token)
	if err != nil {
		return mapError(err, "invitation")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invitation: %w", storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

const certificateColumns = `serial_number, id, profile_id, silverbullet_user_id, silverbullet_invitation_id,
	cn, federation, device, issued, expiry, revocation_status, revocation_time, ocsp, ocsp_timestamp`

func scanCertificate(row pgx.Row) (*storage.Certificate, error) {
	var (
		c        storage.Certificate
		status   string
		revoked  *time.Time
		ocspTime *time.Time
	)
	err := row.Scan(&c.SerialNumber, &c.ID, &c.ProfileID, &c.UserID, &c.InvitationID,
		&c.CommonName, &c.Federation, &c.Device, &c.Issued, &c.Expiry,
		&status, &revoked, &c.OCSP, &ocspTime)
	if err != nil {
		return nil, err
	}
	c.RevocationStatus = storage.RevocationStatus(status)
	c.RevocationTime = fromNull(revoked)
	c.OCSPTimestamp = fromNull(ocspTime)
	return &c, nil
}

func (s *Store) CreateCertificate(ctx context.Context, c *storage.Certificate) error {
	status := c.RevocationStatus
	if status == "" {
		status = storage.NotRevoked
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO silverbullet_certificate (`+certificateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.SerialNumber, c.ID, c.ProfileID, c.UserID, c.InvitationID,
		c.CommonName, c.Federation, c.Device, c.Issued, c.Expiry,
		string(status), nullTime(c.RevocationTime), c.OCSP, nullTime(c.OCSPTimestamp))
	return mapError(err, fmt.Sprintf("certificate %d", c.SerialNumber))
}

func (s *Store) GetCertificate(ctx context.Context, serial int64) (*storage.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM silverbullet_certificate WHERE serial_number = $1`, serial))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("certificate %d", serial))
	}
	return c, nil
}

func (s *Store) ListCertificates(ctx context.Context, userID string) ([]*storage.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certificateColumns+` FROM silverbullet_certificate
		 WHERE silverbullet_user_id = $1 ORDER BY issued`, userID)
	if err != nil {
		return nil, mapError(err, "listing certificates")
	}
	defer rows.Close()

	var out []*storage.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SerialExists(ctx context.Context, serial int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM silverbullet_certificate WHERE serial_number = $1)`, serial).Scan(&exists)
	return exists, mapError(err, "serial lookup")
}

func (s *Store) CommonNameExists(ctx context.Context, cn string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM silverbullet_certificate WHERE cn = $1)`, cn).Scan(&exists)
	return exists, mapError(err, "common name lookup")
}

func (s *Store) RevokeCertificate(ctx context.Context, serial int64, at time.Time) (*storage.Certificate, error) {
	// The WHERE clause keeps the transition one-way: a second revocation
	// matches no row and leaves the original revocation time in place.
	_, err := s.pool.Exec(ctx,
		`UPDATE silverbullet_certificate SET revocation_status = $2, revocation_time = $3
		 WHERE serial_number = $1 AND revocation_status <> $2`,
		serial, string(storage.Revoked), at)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("certificate %d", serial))
	}
	return s.GetCertificate(ctx, serial)
}

func (s *Store) SetOCSP(ctx context.Context, serial int64, response []byte, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE silverbullet_certificate SET ocsp = $2, ocsp_timestamp = $3 WHERE serial_number = $1`,
		serial, response, at)
	if err != nil {
		return mapError(err, fmt.Sprintf("certificate %d", serial))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("certificate %d: %w", serial, storage.ErrNotFound)
	}
	return nil
}
