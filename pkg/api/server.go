package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/httputil"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/pipeline"
	"github.com/platinummonkey/hangar/pkg/store"
)

const (
	// DefaultSessionTTL is the lifetime of login-issued session tokens.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultIssuedTokenTTL is the lifetime of explicitly issued API tokens.
	DefaultIssuedTokenTTL = 365 * 24 * time.Hour
	// maxUploadBytes caps the multipart request body. The archive's
	// uncompressed contents are limited separately by the processor.
	maxUploadBytes = 2 << 30
	// maxJSONBytes caps plain JSON request bodies.
	maxJSONBytes = 1 << 20
)

// CaptchaVerifier checks the signup CAPTCHA response. Verification
// failures surface as HTTP 418 per the external contract.
type CaptchaVerifier interface {
	Verify(ctx context.Context, response, remoteIP string) error
}

// AllowAllCaptcha accepts every response; used in development and tests.
type AllowAllCaptcha struct{}

// Verify implements CaptchaVerifier.
func (AllowAllCaptcha) Verify(context.Context, string, string) error { return nil }

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Authors  store.AuthorStore
	Packages store.PackageStore
	Signer   *auth.Signer
	Ingestor *pipeline.Ingestor
	// Catalog serves the snapshot file; typically catalog.Snapshotter.Handler().
	Catalog http.HandlerFunc
	// Guard rate-limits routes; nil disables rate limiting.
	Guard     *admission.Guard
	PreChecks *admission.PreChecker
	Captcha   CaptchaVerifier
	Health    *observability.HealthChecker
	Logger    *observability.Logger
	Metrics   *observability.Metrics

	// Workers optionally bounds concurrent ingestions. When nil each
	// upload runs on its own goroutine.
	Workers *async.WorkerPool

	// UploadDir receives uploaded archives before the pipeline consumes
	// them.
	UploadDir string

	SessionTTL     time.Duration
	IssuedTokenTTL time.Duration
}

// Server is the registry's HTTP API.
type Server struct {
	deps   Deps
	router *mux.Router
	authmw *AuthMiddleware

	accounts *AccountHandlers
	packages *PackageHandlers
	versions *VersionHandlers
}

// NewServer wires all routes. Deps.Captcha defaults to AllowAllCaptcha and
// the TTLs to their Default constants.
func NewServer(deps Deps) *Server {
	if deps.Captcha == nil {
		deps.Captcha = AllowAllCaptcha{}
	}
	if deps.SessionTTL == 0 {
		deps.SessionTTL = DefaultSessionTTL
	}
	if deps.IssuedTokenTTL == 0 {
		deps.IssuedTokenTTL = DefaultIssuedTokenTTL
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		authmw: NewAuthMiddleware(deps.Signer, deps.Logger),
	}
	s.accounts = NewAccountHandlers(deps)
	s.packages = NewPackageHandlers(deps)
	s.versions = NewVersionHandlers(deps)
	s.setupRoutes()
	return s
}

// limit wraps a handler with the route's rate bucket when a Guard is
// configured.
func (s *Server) limit(route string, identity admission.IdentityFunc, h http.Handler) http.Handler {
	if s.deps.Guard == nil {
		return h
	}
	return s.deps.Guard.Middleware(route, identity)(h)
}

// authed chains bearer authentication in front of h.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return s.authmw.Middleware(h)
}

// authorIdentity keys rate buckets by the authenticated author, falling
// back to the client IP before authentication has run.
func authorIdentity(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "author:" + claims.AuthorID
	}
	return admission.IPIdentity(r)
}

func (s *Server) setupRoutes() {
	jsonBody := httputil.MaxBytesMiddleware(maxJSONBytes)

	// Account routes.
	s.router.Handle("/signup",
		s.limit("signup", nil, jsonBody(http.HandlerFunc(s.accounts.signup)))).Methods("POST")
	s.router.Handle("/login",
		s.limit("login", nil, jsonBody(http.HandlerFunc(s.accounts.login)))).Methods("POST")
	s.router.Handle("/account",
		s.authed(s.accounts.getAccount)).Methods("GET")
	s.router.Handle("/account/password",
		jsonBody(s.authed(s.accounts.changePassword))).Methods("PUT")
	s.router.Handle("/account/name",
		jsonBody(s.authed(s.accounts.changeName))).Methods("PUT")

	// Token routes.
	s.router.Handle("/account/tokens",
		jsonBody(s.authed(s.accounts.issueToken))).Methods("POST")
	s.router.Handle("/account/tokens",
		s.authed(s.accounts.listTokens)).Methods("GET")
	s.router.Handle("/account/tokens/{name}",
		s.authed(s.accounts.revokeToken)).Methods("DELETE")

	// Package routes.
	s.router.Handle("/packages",
		s.limit("create-package", authorIdentity, jsonBody(s.authed(s.packages.createPackage)))).Methods("POST")
	s.router.Handle("/packages/{id}",
		s.authed(s.packages.getPackage)).Methods("GET")
	s.router.Handle("/packages/{id}/description",
		s.limit("update-description", authorIdentity, jsonBody(s.authed(s.packages.updateDescription)))).Methods("PUT")

	// Version routes.
	s.router.Handle("/packages/{id}/versions",
		s.limit("upload-version", authorIdentity,
			httputil.MaxBytesMiddleware(maxUploadBytes)(s.authed(s.versions.uploadVersion)))).Methods("POST")
	s.router.Handle("/packages/{id}/versions",
		s.authed(s.versions.listVersions)).Methods("GET")
	s.router.Handle("/packages/{id}/versions/{version}/retry",
		s.limit("upload-version", authorIdentity,
			httputil.MaxBytesMiddleware(maxUploadBytes)(s.authed(s.versions.retryVersion)))).Methods("POST")
	// Installer clients report completed installs without an account.
	s.router.Handle("/packages/{id}/versions/{version}/install",
		s.limit("report-install", nil, http.HandlerFunc(s.versions.reportInstall))).Methods("POST")

	// Public catalog.
	if s.deps.Catalog != nil {
		s.router.Handle("/catalog",
			s.limit("catalog", nil, s.deps.Catalog)).Methods("GET")
	}

	// Health probes.
	if s.deps.Health != nil {
		s.router.HandleFunc("/health/live", s.deps.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", s.deps.Health.Readiness).Methods("GET")
	}
}

// Handler returns the fully wrapped root handler: request ids, structured
// request logs, panic recovery and HTTP metrics around the router.
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.deps.Logger),
		httputil.RecoveryMiddleware(s.deps.Logger),
	)
	var h http.Handler = s.router
	if s.deps.Metrics != nil {
		h = observability.HTTPMetricsMiddleware(s.deps.Metrics)(h)
	}
	return chain(h)
}

// ServeHTTP implements http.Handler for tests that hit the bare router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
