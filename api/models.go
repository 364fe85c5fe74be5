package api

import (
	"time"

	"github.com/jmcleod/silverbullet/internal/util"
	"github.com/jmcleod/silverbullet/storage"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EnrollRequest is the JSON body for POST /profiles/{profileID}/enroll.
type EnrollRequest struct {
	Token          string `json:"token"`
	ExportPassword string `json:"export_password"`
	Device         string `json:"device,omitempty"`
}

// EnrollResponse carries a freshly issued credential. The PKCS#12 container
// is base64 encoded and protected with the export password the client sent.
type EnrollResponse struct {
	Username    string    `json:"username"`
	PKCS12      string    `json:"pkcs12"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	Expiry      time.Time `json:"expiry"`
}

// AddUserRequest is the JSON body for POST /profiles/{profileID}/users.
type AddUserRequest struct {
	Username string    `json:"username"`
	Expiry   time.Time `json:"expiry"`
}

// SetExpiryRequest is the JSON body for PUT /users/{userID}/expiry.
type SetExpiryRequest struct {
	Expiry time.Time `json:"expiry"`
}

// CreateInvitationRequest is the JSON body for POST /users/{userID}/invitations.
// A zero quantity uses the profile's device limit.
type CreateInvitationRequest struct {
	Quantity int `json:"quantity,omitempty"`
}

// UserResponse describes a user account.
type UserResponse struct {
	ID                  string     `json:"id"`
	ProfileID           string     `json:"profile_id"`
	Username            string     `json:"username"`
	Expiry              time.Time  `json:"expiry"`
	LastAcknowledgement *time.Time `json:"last_acknowledgement,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ListUsersResponse is returned from GET /profiles/{profileID}/users.
type ListUsersResponse struct {
	Items []UserResponse `json:"items"`
	PaginationMeta
}

// InvitationResponse describes an invitation and its derived state.
type InvitationResponse struct {
	ID        string                  `json:"id"`
	Token     string                  `json:"token"`
	ProfileID string                  `json:"profile_id"`
	UserID    string                  `json:"user_id"`
	State     storage.InvitationState `json:"state"`
	Quantity  int                     `json:"quantity"`
	Redeemed  int                     `json:"redeemed"`
	Expiry    time.Time               `json:"expiry"`
	CreatedAt time.Time               `json:"created_at"`
}

// ListInvitationsResponse is returned from GET /users/{userID}/invitations.
type ListInvitationsResponse struct {
	Items []InvitationResponse `json:"items"`
}

// CertificateResponse describes an issued certificate record.
type CertificateResponse struct {
	ID               string                   `json:"id"`
	Serial           string                   `json:"serial"`
	ProfileID        string                   `json:"profile_id"`
	UserID           string                   `json:"user_id"`
	CommonName       string                   `json:"common_name"`
	Federation       string                   `json:"federation"`
	Device           string                   `json:"device,omitempty"`
	Issued           time.Time                `json:"issued"`
	Expiry           time.Time                `json:"expiry"`
	RevocationStatus storage.RevocationStatus `json:"revocation_status"`
	RevocationTime   *time.Time               `json:"revocation_time,omitempty"`
	OCSPTimestamp    *time.Time               `json:"ocsp_timestamp,omitempty"`
}

// ListCertificatesResponse is returned from GET /users/{userID}/certificates.
type ListCertificatesResponse struct {
	Items []CertificateResponse `json:"items"`
}

// DeactivateResponse is returned from POST /users/{userID}/deactivate.
type DeactivateResponse struct {
	ExpiredInvitations []string `json:"expired_invitations"`
	RevokedSerials     []string `json:"revoked_serials"`
}

// RevokeResponse is returned from POST /certificates/{serial}/revoke.
type RevokeResponse struct {
	Serial     string    `json:"serial"`
	Status     string    `json:"status"`
	ProducedAt time.Time `json:"produced_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func userResponse(u *storage.User) UserResponse {
	return UserResponse{
		ID:                  u.ID,
		ProfileID:           u.ProfileID,
		Username:            u.Username,
		Expiry:              u.Expiry,
		LastAcknowledgement: optionalTime(u.LastAcknowledgement),
		CreatedAt:           u.CreatedAt,
	}
}

func invitationResponse(inv *storage.Invitation, now time.Time) InvitationResponse {
	return InvitationResponse{
		ID:        inv.ID,
		Token:     inv.Token,
		ProfileID: inv.ProfileID,
		UserID:    inv.UserID,
		State:     inv.State(now),
		Quantity:  inv.Quantity,
		Redeemed:  inv.Redeemed,
		Expiry:    inv.Expiry,
		CreatedAt: inv.CreatedAt,
	}
}

func certificateResponse(c *storage.Certificate) CertificateResponse {
	return CertificateResponse{
		ID:               c.ID,
		Serial:           util.SerialHex(c.SerialNumber),
		ProfileID:        c.ProfileID,
		UserID:           c.UserID,
		CommonName:       c.CommonName,
		Federation:       c.Federation,
		Device:           c.Device,
		Issued:           c.Issued,
		Expiry:           c.Expiry,
		RevocationStatus: c.RevocationStatus,
		RevocationTime:   optionalTime(c.RevocationTime),
		OCSPTimestamp:    optionalTime(c.OCSPTimestamp),
	}
}
