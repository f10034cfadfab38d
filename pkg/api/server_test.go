package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/archive"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/blob"
	"github.com/platinummonkey/hangar/pkg/broker"
	"github.com/platinummonkey/hangar/pkg/catalog"
	"github.com/platinummonkey/hangar/pkg/notify"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/pipeline"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/store/memory"
	"github.com/platinummonkey/hangar/pkg/version"
)

// autoChannel authorizes every job immediately.
type autoChannel struct{}

func (autoChannel) Start(context.Context)                      {}
func (autoChannel) OnAbort(func())                             {}
func (autoChannel) WaitForAuthorization(context.Context) error { return nil }
func (autoChannel) Done(context.Context) error                 { return nil }
func (autoChannel) Close()                                     {}

type harness struct {
	server *Server
	store  *memory.Store
	public *blob.Memory
	signer *auth.Signer
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()

	s := memory.New()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	signer := auth.NewSigner([]byte("test-secret"), store.Sessions{Authors: s})
	public := blob.NewMemory()
	private := blob.NewMemory()

	proc := archive.NewProcessor(archive.Config{TempRoot: t.TempDir()})
	ingestor := pipeline.NewIngestor(
		s, s, public, private,
		func(broker.JobInfo) pipeline.Channel { return autoChannel{} },
		proc, notify.Discard{}, logger, nil,
		pipeline.Config{CDNBase: "https://cdn.example.com"},
	)

	deps := Deps{
		Authors:   s,
		Packages:  s,
		Signer:    signer,
		Ingestor:  ingestor,
		PreChecks: admission.NewPreChecker(s),
		Logger:    logger,
		UploadDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &harness{
		server: NewServer(deps),
		store:  s,
		public: public,
		signer: signer,
	}
}

func (h *harness) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, r)
	return rec
}

func jsonRequest(method, url, token string, body interface{}) *http.Request {
	data, _ := json.Marshal(body)
	r := httptest.NewRequest(method, url, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

// signup registers an author and returns its id and session token.
func (h *harness) signup(t *testing.T, name, email string) (string, string) {
	t.Helper()
	rec := h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: name, Email: email, Password: "correct horse", Captcha: "ok",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AuthorID, resp.Token
}

// createPackage registers a package owned by the token's author.
func (h *harness) createPackage(t *testing.T, token, id string) {
	t.Helper()
	rec := h.do(jsonRequest(http.MethodPost, "/packages", token, createPackageRequest{
		PackageID:   id,
		PackageName: "Pkg " + id,
		Description: "a plugin used by the tests",
		PackageType: store.TypePlugin,
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

// buildZip produces an upload archive with the given files.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// uploadRequest builds a multipart upload. A nil archive omits the file
// part.
func uploadRequest(t *testing.T, url, token string, fields map[string]string, archive []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if archive != nil {
		fw, err := mw.CreateFormFile("file", "upload.zip")
		require.NoError(t, err)
		_, err = fw.Write(archive)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, url, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func waitForStatus(t *testing.T, s *memory.Store, packageID, raw string, want store.VersionStatus) {
	t.Helper()
	v := version.MustParse(raw)
	require.Eventually(t, func() bool {
		rec, err := s.Version(context.Background(), packageID, v)
		return err == nil && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond, "version never reached %s", want)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/account", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/account", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	rec = h.do(r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitedSignup(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		limiter := admission.NewRateLimiter(&admission.RateLimitConfig{
			RequestsPerWindow: 1,
			WindowDuration:    time.Hour,
		})
		d.Guard = admission.NewGuard(limiter, d.Logger, nil)
	})

	h.signup(t, "Alice", "alice@example.com")
	rec := h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: "Bob", Email: "bob@example.com", Password: "correct horse", Captcha: "ok",
	}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCatalogRouteIsPublic(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		snap := catalog.NewSnapshotter(memory.New(), filepath.Join(t.TempDir(), "catalog.json"), "", d.Logger, nil)
		d.Catalog = snap.Handler()
	})

	// No snapshot yet: 503, and no auth required to ask.
	rec := h.do(httptest.NewRequest(http.MethodGet, "/catalog", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
