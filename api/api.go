// Package api exposes enrollment, certificate administration and an RFC
// 6960 OCSP responder over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/silverbullet/lifecycle"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	mgr        *lifecycle.Manager
	logger     *slog.Logger
	adminToken string
	enrollIP   *enrollRateLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAdminToken sets the bearer token guarding the admin routes. Without
// one, admin routes answer 401.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// New creates a new API instance.
func New(mgr *lifecycle.Manager, opts ...Option) *API {
	a := &API{
		mgr:      mgr,
		enrollIP: newEnrollRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/profiles/{profileID}/enroll", a.Enroll)

	r.Get("/ocsp/*", a.OCSPGet)
	r.Post("/ocsp", a.OCSPPost)

	r.Group(func(r chi.Router) {
		r.Use(a.AdminAuth)

		r.Post("/profiles/{profileID}/users", a.AddUser)
		r.Get("/profiles/{profileID}/users", a.ListUsers)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", a.GetUser)
			r.Put("/expiry", a.SetUserExpiry)
			r.Post("/acknowledge", a.AcknowledgeUser)
			r.Post("/deactivate", a.DeactivateUser)
			r.Get("/certificates", a.ListCertificates)
			r.Get("/invitations", a.ListInvitations)
			r.Post("/invitations", a.CreateInvitation)
		})

		r.Post("/invitations/{token}/revoke", a.RevokeInvitation)

		r.Route("/certificates/{serial}", func(r chi.Router) {
			r.Get("/", a.GetCertificate)
			r.Post("/revoke", a.RevokeCertificate)
			r.Get("/ocsp", a.CertificateOCSP)
		})
	})

	return r
}
