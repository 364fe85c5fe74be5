package api_test

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/silverbullet/api"
	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/lifecycle"
	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/pki/pkitest"
	"github.com/jmcleod/silverbullet/profile"
	"github.com/jmcleod/silverbullet/status"
	"github.com/jmcleod/silverbullet/storage/memory"
)

const adminToken = "s3cret-admin-token"

type server struct {
	*httptest.Server
	ca *pki.EmbeddedCA
}

func setupServer(t *testing.T) *server {
	t.Helper()
	ids := identity.New(memory.NewStore())
	ca, _ := pkitest.NewCA(t, ids)
	engine := status.NewEngine(ids, status.NewLibraryResponder(ca), pkitest.Consortium)
	profiles := profile.NewRegistry(
		&profile.Profile{ID: "p1", Realm: "uni.example.org", Institution: "uni", Federation: "nl",
			DeviceLimit: 2, CABackend: profile.BackendEmbedded},
		&profile.Profile{ID: "ext", Realm: "ext.example.org", Institution: "ext", Federation: "be",
			CABackend: profile.BackendExternal, ExternalCAURL: "https://ca.example.org"},
	)
	mgr := lifecycle.New(ids, profiles, &pki.Signers{Embedded: ca}, engine, pkitest.Consortium,
		lifecycle.WithLeafKeyStore(pki.NewSoftwareKeyStore(pki.ECDSAP256)))

	a := api.New(mgr, api.WithAdminToken(adminToken))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{Server: srv, ca: ca}
}

func (s *server) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, s.URL+"/api/v1"+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *server) admin(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return s.do(t, method, path, adminToken, body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *server) invite(t *testing.T, profileID string, expiry time.Time) (api.UserResponse, api.InvitationResponse) {
	t.Helper()
	resp := s.admin(t, http.MethodPost, "/profiles/"+profileID+"/users",
		api.AddUserRequest{Username: "alice", Expiry: expiry})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	u := decode[api.UserResponse](t, resp)

	resp = s.admin(t, http.MethodPost, "/users/"+u.ID+"/invitations", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return u, decode[api.InvitationResponse](t, resp)
}

func (s *server) enroll(t *testing.T, profileID, token string) *http.Response {
	t.Helper()
	return s.do(t, http.MethodPost, "/profiles/"+profileID+"/enroll", "",
		api.EnrollRequest{Token: token, ExportPassword: "pw", Device: "laptop"})
}

func (s *server) postOCSP(t *testing.T, cert *x509.Certificate) *ocsp.Response {
	t.Helper()
	der, err := ocsp.CreateRequest(cert, s.ca.Issuer(), nil)
	require.NoError(t, err)
	resp, err := s.Client().Post(s.URL+"/api/v1/ocsp", "application/ocsp-request", bytes.NewReader(der))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/ocsp-response", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed, err := ocsp.ParseResponseForCert(body, cert, s.ca.Issuer())
	require.NoError(t, err)
	return parsed
}

func TestAdminAuth(t *testing.T) {
	s := setupServer(t)

	resp := s.do(t, http.MethodGet, "/profiles/p1/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/profiles/p1/users", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.admin(t, http.MethodGet, "/profiles/p1/users", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	mgr := lifecycle.New(identity.New(memory.NewStore()), profile.NewRegistry(), &pki.Signers{}, nil, "x")
	r := chi.NewRouter()
	r.Mount("/api/v1", api.New(mgr).Router())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/u1", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollAndRevoke(t *testing.T) {
	s := setupServer(t)
	u, inv := s.invite(t, "p1", time.Now().AddDate(0, 0, 30))
	assert.Equal(t, 2, inv.Quantity, "defaults to the profile device limit")

	resp := s.enroll(t, "p1", inv.Token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	enrolled := decode[api.EnrollResponse](t, resp)

	p12, err := base64.StdEncoding.DecodeString(enrolled.PKCS12)
	require.NoError(t, err)
	_, cert, _, err := pki.DecodeCredential(p12, "pw")
	require.NoError(t, err)
	assert.Equal(t, enrolled.Username, cert.Subject.CommonName)
	assert.Equal(t, pki.Fingerprint(cert), enrolled.Fingerprint)

	assert.Equal(t, ocsp.Good, s.postOCSP(t, cert).Status)

	resp = s.admin(t, http.MethodGet, "/certificates/"+enrolled.Serial, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[api.CertificateResponse](t, resp)
	assert.Equal(t, u.ID, rec.UserID)
	assert.Equal(t, "laptop", rec.Device)
	assert.Equal(t, "NOT_REVOKED", string(rec.RevocationStatus))

	resp = s.admin(t, http.MethodGet, "/users/"+u.ID+"/invitations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	invs := decode[api.ListInvitationsResponse](t, resp)
	require.Len(t, invs.Items, 1)
	assert.Equal(t, "PARTIALLY_REDEEMED", string(invs.Items[0].State))

	resp = s.admin(t, http.MethodPost, "/certificates/0x"+enrolled.Serial+"/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revoked := decode[api.RevokeResponse](t, resp)
	assert.Equal(t, "R", revoked.Status)

	parsed := s.postOCSP(t, cert)
	assert.Equal(t, ocsp.Revoked, parsed.Status)

	resp = s.admin(t, http.MethodGet, "/certificates/"+enrolled.Serial+"/ocsp", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	direct, err := ocsp.ParseResponse(body, s.ca.Issuer())
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, direct.Status)
}

func TestOCSPGet(t *testing.T) {
	s := setupServer(t)
	_, inv := s.invite(t, "p1", time.Now().AddDate(0, 0, 3))
	resp := s.enroll(t, "p1", inv.Token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	enrolled := decode[api.EnrollResponse](t, resp)
	p12, err := base64.StdEncoding.DecodeString(enrolled.PKCS12)
	require.NoError(t, err)
	_, cert, _, err := pki.DecodeCredential(p12, "pw")
	require.NoError(t, err)

	der, err := ocsp.CreateRequest(cert, s.ca.Issuer(), nil)
	require.NoError(t, err)
	path := url.PathEscape(base64.StdEncoding.EncodeToString(der))
	get, err := s.Client().Get(s.URL + "/api/v1/ocsp/" + path)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	body, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	parsed, err := ocsp.ParseResponseForCert(body, cert, s.ca.Issuer())
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, parsed.Status)
}

func TestOCSPErrors(t *testing.T) {
	s := setupServer(t)

	ocspStatus := func(t *testing.T, body []byte) ocsp.ResponseStatus {
		t.Helper()
		_, err := ocsp.ParseResponse(body, nil)
		var re ocsp.ResponseError
		require.True(t, errors.As(err, &re), "expected an OCSP error response, got %v", err)
		return re.Status
	}
	post := func(t *testing.T, der []byte) []byte {
		t.Helper()
		resp, err := s.Client().Post(s.URL+"/api/v1/ocsp", "application/ocsp-request", bytes.NewReader(der))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return body
	}

	assert.Equal(t, ocsp.Malformed, ocspStatus(t, post(t, []byte("garbage"))))

	// A certificate this CA never issued.
	unknown := &x509.Certificate{SerialNumber: big.NewInt(424242)}
	der, err := ocsp.CreateRequest(unknown, s.ca.Issuer(), nil)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Unauthorized, ocspStatus(t, post(t, der)))

	// A request naming a foreign issuer.
	other, _ := pkitest.NewCA(t, &pkitest.Sequence{})
	der, err = ocsp.CreateRequest(other.Issuer(), other.Root(), nil)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Unauthorized, ocspStatus(t, post(t, der)))
}

func TestEnrollRejections(t *testing.T) {
	s := setupServer(t)
	u, inv := s.invite(t, "p1", time.Now().AddDate(0, 0, 30))

	resp := s.enroll(t, "ext", inv.Token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "profile mismatch")

	resp = s.do(t, http.MethodPost, "/profiles/p1/enroll", "", api.EnrollRequest{Token: inv.Token})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.admin(t, http.MethodPost, "/invitations/"+inv.Token+"/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REVOKED", string(decode[api.InvitationResponse](t, resp).State))

	resp = s.enroll(t, "p1", inv.Token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.admin(t, http.MethodPut, "/users/"+u.ID+"/expiry",
		api.SetExpiryRequest{Expiry: time.Now().Add(-time.Hour)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = s.admin(t, http.MethodPost, "/users/"+u.ID+"/invitations", api.CreateInvitationRequest{Quantity: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEnrollExternalBackend(t *testing.T) {
	s := setupServer(t)
	_, inv := s.invite(t, "ext", time.Now().AddDate(0, 0, 30))

	resp := s.enroll(t, "ext", inv.Token)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestEnrollRateLimited(t *testing.T) {
	s := setupServer(t)

	var last int
	for i := 0; i < 11; i++ {
		last = s.enroll(t, "p1", "no-such-token").StatusCode
		if last == http.StatusTooManyRequests {
			break
		}
		assert.Equal(t, http.StatusForbidden, last)
	}
	resp := s.enroll(t, "p1", "no-such-token")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestUserAdministration(t *testing.T) {
	s := setupServer(t)
	u, inv := s.invite(t, "p1", time.Now().AddDate(0, 1, 0))

	resp := s.admin(t, http.MethodPost, "/profiles/p1/users",
		api.AddUserRequest{Username: "bob", Expiry: time.Now().AddDate(0, 1, 0)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.admin(t, http.MethodGet, "/profiles/p1/users?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[api.ListUsersResponse](t, resp)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.TotalCount)
	assert.True(t, page.HasMore)

	resp = s.admin(t, http.MethodGet, "/profiles/p1/users?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := decode[api.ListUsersResponse](t, resp)
	require.Len(t, active.Items, 1)
	assert.Equal(t, u.ID, active.Items[0].ID)

	resp = s.admin(t, http.MethodGet, "/profiles/nope/users", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.admin(t, http.MethodPost, "/users/"+u.ID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, decode[api.UserResponse](t, resp).LastAcknowledgement)

	enrolled := s.enroll(t, "p1", inv.Token)
	require.Equal(t, http.StatusCreated, enrolled.StatusCode)

	resp = s.admin(t, http.MethodGet, "/users/"+u.ID+"/certificates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[api.ListCertificatesResponse](t, resp).Items, 1)

	resp = s.admin(t, http.MethodPost, "/users/"+u.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deact := decode[api.DeactivateResponse](t, resp)
	assert.Len(t, deact.RevokedSerials, 1)
	assert.Equal(t, []string{inv.ID}, deact.ExpiredInvitations)

	resp = s.admin(t, http.MethodGet, "/users/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.admin(t, http.MethodGet, "/certificates/zz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.admin(t, http.MethodGet, "/certificates/ABCDEF", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	s := setupServer(t)
	resp := s.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/profiles/{profileID}/enroll")
}
