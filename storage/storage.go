// Package storage defines the persistent data model for users, invitations
// and issued certificates, and the Store interface implemented by the
// memory, BBolt and PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write would violate a uniqueness
	// constraint (serial number, common name, invitation token) or when an
	// invitation has no redemptions left. Callers generating unique values
	// retry on this error rather than failing the whole request.
	ErrConflict = errors.New("uniqueness conflict")
)

// RevocationStatus is the one-way revocation flag of a certificate.
type RevocationStatus string

const (
	NotRevoked RevocationStatus = "NOT_REVOKED"
	Revoked    RevocationStatus = "REVOKED"
)

// InvitationState is derived from an invitation's stored fields.
type InvitationState string

const (
	InvitationValid             InvitationState = "VALID"
	InvitationPartiallyRedeemed InvitationState = "PARTIALLY_REDEEMED"
	InvitationRedeemed          InvitationState = "REDEEMED"
	InvitationExpired           InvitationState = "EXPIRED"
	InvitationRevoked           InvitationState = "REVOKED"
)

// User is an admin-created account. Users are never deleted; deactivation
// sets Expiry to the deactivation time.
type User struct {
	ID                  string    `json:"id"`
	ProfileID           string    `json:"profile_id"`
	Username            string    `json:"username"`
	Expiry              time.Time `json:"expiry"`
	LastAcknowledgement time.Time `json:"last_ack"`
	CreatedAt           time.Time `json:"created_at"`
}

// Expired reports whether the account expiry lies before now.
func (u *User) Expired(now time.Time) bool {
	return !u.Expiry.After(now)
}

// Invitation is an enrollment token that may be redeemed up to Quantity
// times, each redemption yielding one certificate.
type Invitation struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ProfileID string    `json:"profile_id"`
	UserID    string    `json:"user_id"`
	Expiry    time.Time `json:"expiry"`
	Quantity  int       `json:"quantity"`
	Redeemed  int       `json:"redeemed"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// State derives the invitation state at the given instant.
func (inv *Invitation) State(now time.Time) InvitationState {
	switch {
	case inv.Redeemed >= inv.Quantity:
		return InvitationRedeemed
	case inv.Revoked:
		return InvitationRevoked
	case !inv.Expiry.After(now):
		return InvitationExpired
	case inv.Redeemed > 0:
		return InvitationPartiallyRedeemed
	default:
		return InvitationValid
	}
}

// Redeemable reports whether the invitation can still yield a certificate.
func (inv *Invitation) Redeemable(now time.Time) bool {
	s := inv.State(now)
	return s == InvitationValid || s == InvitationPartiallyRedeemed
}

// Certificate is the audit record of one issued client certificate.
// Records are never deleted.
type Certificate struct {
	ID               string           `json:"id"`
	SerialNumber     int64            `json:"serial_number"`
	ProfileID        string           `json:"profile_id"`
	UserID           string           `json:"user_id"`
	InvitationID     string           `json:"invitation_id"`
	CommonName       string           `json:"cn"`
	Federation       string           `json:"federation"`
	Device           string           `json:"device,omitempty"`
	Issued           time.Time        `json:"issued"`
	Expiry           time.Time        `json:"expiry"`
	RevocationStatus RevocationStatus `json:"revocation_status"`
	RevocationTime   time.Time        `json:"revocation_time"`
	OCSP             []byte           `json:"ocsp,omitempty"`
	OCSPTimestamp    time.Time        `json:"ocsp_timestamp"`
}

// Live reports whether the certificate is neither revoked nor expired.
func (c *Certificate) Live(now time.Time) bool {
	return c.RevocationStatus != Revoked && c.Expiry.After(now)
}

// Store persists users, invitations and certificates. Implementations must
// enforce uniqueness of certificate serial numbers, certificate common
// names and invitation tokens atomically and report violations as
// ErrConflict.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, profileID string) ([]*User, error)
	UpdateUser(ctx context.Context, u *User) error

	CreateInvitation(ctx context.Context, inv *Invitation) error
	GetInvitation(ctx context.Context, token string) (*Invitation, error)
	ListInvitations(ctx context.Context, userID string) ([]*Invitation, error)
	UpdateInvitation(ctx context.Context, inv *Invitation) error

	// RedeemInvitation atomically increments the redemption counter of the
	// invitation identified by token, provided it is still redeemable at
	// now. It returns ErrConflict when the invitation is revoked, expired
	// or has no redemptions left.
	RedeemInvitation(ctx context.Context, token string, now time.Time) (*Invitation, error)

	// ReleaseInvitation undoes one redemption after a failed issuance.
	ReleaseInvitation(ctx context.Context, token string) error

	CreateCertificate(ctx context.Context, c *Certificate) error
	GetCertificate(ctx context.Context, serial int64) (*Certificate, error)
	ListCertificates(ctx context.Context, userID string) ([]*Certificate, error)
	SerialExists(ctx context.Context, serial int64) (bool, error)
	CommonNameExists(ctx context.Context, cn string) (bool, error)

	// RevokeCertificate marks a certificate revoked at the given time. A
	// certificate that is already revoked is returned unchanged.
	RevokeCertificate(ctx context.Context, serial int64, at time.Time) (*Certificate, error)

	// SetOCSP stores the latest signed OCSP response for a certificate.
	SetOCSP(ctx context.Context, serial int64, response []byte, at time.Time) error

	Close() error
}
