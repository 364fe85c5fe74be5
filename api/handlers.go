package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/silverbullet/internal/util"
	"github.com/jmcleod/silverbullet/lifecycle"
	"github.com/jmcleod/silverbullet/storage"
)

const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func serialParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	serial, err := util.ParseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return serial, true
}

// ---------------------------------------------------------------------------
// Enrollment
// ---------------------------------------------------------------------------

// Enroll redeems an invitation token and returns a PKCS#12 credential.
func (a *API) Enroll(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if blocked, retry := a.enrollIP.check(ip); blocked {
		writeRateLimited(w, retry)
		return
	}

	var req EnrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" || req.ExportPassword == "" {
		writeError(w, http.StatusBadRequest, "token and export_password are required")
		return
	}

	pkg, err := a.mgr.IssueCertificate(r.Context(), chi.URLParam(r, "profileID"), lifecycle.IssueRequest{
		Token:          req.Token,
		ExportPassword: req.ExportPassword,
		Device:         req.Device,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidToken) || errors.Is(err, lifecycle.ErrProfileMismatch) {
			a.enrollIP.recordFailure(ip)
		}
		a.logger.Warn("enrollment failed",
			slog.String("profile_id", chi.URLParam(r, "profileID")),
			slog.String("remote_ip", ip),
			slog.String("error", err.Error()))
		mapError(w, err)
		return
	}
	a.enrollIP.recordSuccess(ip)

	writeJSON(w, http.StatusCreated, EnrollResponse{
		Username:    pkg.Username,
		PKCS12:      base64.StdEncoding.EncodeToString(pkg.Protected),
		Serial:      util.SerialHex(pkg.Serial),
		Fingerprint: pkg.Fingerprint,
		Expiry:      pkg.Expiry,
	})
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// AddUser creates an account in a profile.
func (a *API) AddUser(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Expiry.IsZero() {
		writeError(w, http.StatusBadRequest, "username and expiry are required")
		return
	}
	u, err := a.mgr.AddUser(r.Context(), chi.URLParam(r, "profileID"), req.Username, req.Expiry)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(u))
}

// ListUsers lists a profile's users; "?active=true" restricts the list to
// users holding a redeemable invitation or a live certificate.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	var (
		users []*storage.User
		err   error
	)
	if activeOnly {
		users, err = a.mgr.ListActiveUsers(r.Context(), profileID)
	} else {
		users, err = a.mgr.ListUsers(r.Context(), profileID)
	}
	if err != nil {
		mapError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	page, meta := paginate(users, limit, offset)
	resp := ListUsersResponse{Items: make([]UserResponse, 0, len(page)), PaginationMeta: meta}
	for _, u := range page {
		resp.Items = append(resp.Items, userResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUser returns a single user.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.mgr.User(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(u))
}

// SetUserExpiry changes a user's account expiry.
func (a *API) SetUserExpiry(w http.ResponseWriter, r *http.Request) {
	var req SetExpiryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Expiry.IsZero() {
		writeError(w, http.StatusBadRequest, "expiry is required")
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := a.mgr.SetUserExpiry(r.Context(), userID, req.Expiry); err != nil {
		mapError(w, err)
		return
	}
	a.GetUser(w, r)
}

// AcknowledgeUser records the administrator's re-confirmation of a user.
func (a *API) AcknowledgeUser(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.AcknowledgeUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		mapError(w, err)
		return
	}
	a.GetUser(w, r)
}

// DeactivateUser revokes everything a user holds and expires the account.
func (a *API) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	res, err := a.mgr.DeactivateUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	resp := DeactivateResponse{
		ExpiredInvitations: res.ExpiredInvitations,
		RevokedSerials:     make([]string, 0, len(res.RevokedSerials)),
	}
	if resp.ExpiredInvitations == nil {
		resp.ExpiredInvitations = []string{}
	}
	for _, s := range res.RevokedSerials {
		resp.RevokedSerials = append(resp.RevokedSerials, util.SerialHex(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListCertificates returns every certificate issued to a user.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.mgr.ListCertificates(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ListCertificatesResponse{Items: make([]CertificateResponse, 0, len(certs))}
	for _, c := range certs {
		resp.Items = append(resp.Items, certificateResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

// CreateInvitation issues a new invitation for a user. An empty body uses
// the profile's device limit as quantity.
func (a *API) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req CreateInvitationRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "quantity must not be negative")
		return
	}
	inv, err := a.mgr.CreateInvitation(r.Context(), chi.URLParam(r, "userID"), req.Quantity)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, invitationResponse(inv, a.mgr.Identity().Now()))
}

// ListInvitations returns a user's invitations.
func (a *API) ListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := a.mgr.ListInvitations(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	now := a.mgr.Identity().Now()
	resp := ListInvitationsResponse{Items: make([]InvitationResponse, 0, len(invs))}
	for _, inv := range invs {
		resp.Items = append(resp.Items, invitationResponse(inv, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeInvitation withdraws an invitation.
func (a *API) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := a.mgr.RevokeInvitation(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invitationResponse(inv, a.mgr.Identity().Now()))
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// GetCertificate returns a certificate record.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	serial, ok := serialParam(w, r)
	if !ok {
		return
	}
	c, err := a.mgr.Certificate(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(c))
}

// RevokeCertificate revokes a certificate and reports its new OCSP status.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	serial, ok := serialParam(w, r)
	if !ok {
		return
	}
	st, err := a.mgr.RevokeCertificate(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{
		Serial:     util.SerialHex(st.Serial),
		Status:     st.Status.String(),
		ProducedAt: st.ProducedAt,
	})
}

// CertificateOCSP returns the current DER OCSP response for a certificate,
// regenerating it when the cached one is stale.
func (a *API) CertificateOCSP(w http.ResponseWriter, r *http.Request) {
	serial, ok := serialParam(w, r)
	if !ok {
		return
	}
	st, err := a.mgr.CurrentStatus(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeOCSP(w, st.DER)
}
