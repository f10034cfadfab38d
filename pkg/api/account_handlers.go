package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/httputil"
	"github.com/platinummonkey/hangar/pkg/store"
)

// sessionPermissions is the capability set of login-issued session tokens:
// everything except admin, unscoped.
const sessionPermissions = auth.PermReadAuthorData |
	auth.PermViewPackages |
	auth.PermUpdateDescriptionAnyPackage |
	auth.PermUploadVersionAnyPackage |
	auth.PermUpdateVersionDataAnyPackage

const minPasswordLen = 8

// AccountHandlers serves signup, login, credential changes and the issued
// token lifecycle.
type AccountHandlers struct {
	deps Deps
}

// NewAccountHandlers builds the account handler group.
func NewAccountHandlers(deps Deps) *AccountHandlers {
	return &AccountHandlers{deps: deps}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

type sessionResponse struct {
	AuthorID string `json:"authorId"`
	Token    string `json:"token"`
}

// signup handles POST /signup.
func (h *AccountHandlers) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.deps.Captcha.Verify(r.Context(), req.Captcha, r.RemoteAddr); err != nil {
		httputil.WriteCode(w, http.StatusTeapot, "captcha", "captcha verification failed")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := admission.ValidateAuthorName(req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := admission.ValidateEmail(req.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	if len(req.Password) < minPasswordLen {
		httputil.WriteValidationError(w, admission.CodeMissingFormData, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to hash password")
		httputil.WriteInternalError(w)
		return
	}
	session, err := auth.NewSession()
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to generate session")
		httputil.WriteInternalError(w)
		return
	}

	author := &store.Author{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Session:      session,
		TotalStorage: store.DefaultStorageQuota,
	}
	if err := h.deps.Authors.CreateAuthor(r.Context(), author); err != nil {
		writeDomainError(w, err)
		return
	}

	token, err := h.issueSessionToken(author)
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to issue session token")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, sessionResponse{AuthorID: author.ID, Token: token})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login handles POST /login.
func (h *AccountHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	author, err := h.deps.Authors.AuthorByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		// Same response for unknown account and bad password.
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(author.PasswordHash), []byte(req.Password)) != nil {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	token, err := h.issueSessionToken(author)
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to issue session token")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, sessionResponse{AuthorID: author.ID, Token: token})
}

func (h *AccountHandlers) issueSessionToken(author *store.Author) (string, error) {
	return h.deps.Signer.Issue(auth.Claims{
		AuthorID:    author.ID,
		Name:        author.Name,
		Session:     author.Session,
		Permissions: sessionPermissions,
	}, h.deps.SessionTTL)
}

// getAccount handles GET /account.
func (h *AccountHandlers) getAccount(w http.ResponseWriter, r *http.Request) {
	claims := requirePermission(w, r, auth.PermReadAuthorData)
	if claims == nil {
		return
	}
	author, err := h.deps.Authors.AuthorByID(r.Context(), claims.AuthorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, author)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// changePassword handles PUT /account/password. Rotating the session
// invalidates every outstanding token, so the response carries a fresh
// session token.
func (h *AccountHandlers) changePassword(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req changePasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.NewPassword) < minPasswordLen {
		httputil.WriteValidationError(w, admission.CodeMissingFormData, "password must be at least 8 characters")
		return
	}

	author, err := h.deps.Authors.AuthorByID(r.Context(), claims.AuthorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(author.PasswordHash), []byte(req.OldPassword)) != nil {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to hash password")
		httputil.WriteInternalError(w)
		return
	}
	session, err := auth.NewSession()
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to generate session")
		httputil.WriteInternalError(w)
		return
	}
	if err := h.deps.Authors.RotateCredentials(r.Context(), author.ID, string(hash), session); err != nil {
		writeDomainError(w, err)
		return
	}

	author.Session = session
	token, err := h.issueSessionToken(author)
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to issue session token")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, sessionResponse{AuthorID: author.ID, Token: token})
}

type changeNameRequest struct {
	Name string `json:"name"`
}

// changeName handles PUT /account/name. Renames cascade to the author's
// packages and are limited to one per 30 days.
func (h *AccountHandlers) changeName(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req changeNameRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := admission.ValidateAuthorName(req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.deps.Authors.UpdateAuthorName(r.Context(), claims.AuthorID, req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type issueTokenRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Permissions auth.Permission `json:"permissions"`

	DescriptionUpdatePackages []string `json:"descriptionUpdatePackages,omitempty"`
	VersionUploadPackages     []string `json:"versionUploadPackages,omitempty"`
	UpdateVersionDataPackages []string `json:"updateVersionDataPackages,omitempty"`
}

type issueTokenResponse struct {
	Token      string               `json:"token"`
	Descriptor auth.TokenDescriptor `json:"descriptor"`
}

// issueToken handles POST /account/tokens. The signed token is returned
// exactly once; only its descriptor is stored.
func (h *AccountHandlers) issueToken(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req issueTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tokenSession, err := auth.NewSession()
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to generate token session")
		httputil.WriteInternalError(w)
		return
	}
	descriptor := auth.TokenDescriptor{
		TokenSession:              tokenSession,
		Name:                      req.Name,
		Description:               req.Description,
		Permissions:               req.Permissions,
		DescriptionUpdatePackages: req.DescriptionUpdatePackages,
		VersionUploadPackages:     req.VersionUploadPackages,
		UpdateVersionDataPackages: req.UpdateVersionDataPackages,
		CreatedAt:                 time.Now().UTC(),
	}
	if err := descriptor.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	author, err := h.deps.Authors.AuthorByID(r.Context(), claims.AuthorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.deps.Authors.AddTokenDescriptor(r.Context(), author.ID, descriptor); err != nil {
		writeDomainError(w, err)
		return
	}

	token, err := h.deps.Signer.Issue(auth.Claims{
		AuthorID:                  author.ID,
		Name:                      author.Name,
		Session:                   author.Session,
		TokenSession:              tokenSession,
		Permissions:               descriptor.Permissions,
		DescriptionUpdatePackages: descriptor.DescriptionUpdatePackages,
		VersionUploadPackages:     descriptor.VersionUploadPackages,
		UpdateVersionDataPackages: descriptor.UpdateVersionDataPackages,
	}, h.deps.IssuedTokenTTL)
	if err != nil {
		h.deps.Logger.WithError(err).Error("failed to sign issued token")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, issueTokenResponse{Token: token, Descriptor: descriptor})
}

// listTokens handles GET /account/tokens.
func (h *AccountHandlers) listTokens(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	author, err := h.deps.Authors.AuthorByID(r.Context(), claims.AuthorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tokens := author.Tokens
	if tokens == nil {
		tokens = []auth.TokenDescriptor{}
	}
	httputil.WriteSuccess(w, tokens)
}

// revokeToken handles DELETE /account/tokens/{name}.
func (h *AccountHandlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	name, ok := httputil.PathVarOrError(w, r, "name")
	if !ok {
		return
	}
	if err := h.deps.Authors.RemoveTokenDescriptor(r.Context(), claims.AuthorID, name); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
