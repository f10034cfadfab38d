package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/store"
)

type rejectingCaptcha struct{}

func (rejectingCaptcha) Verify(context.Context, string, string) error {
	return errors.New("captcha rejected")
}

func TestSignupAndLogin(t *testing.T) {
	h := newHarness(t, nil)
	authorID, token := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodGet, "/account", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var author store.Author
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &author))
	assert.Equal(t, authorID, author.ID)
	assert.Equal(t, "Alice", author.Name)
	assert.Equal(t, int64(store.DefaultStorageQuota), author.TotalStorage)

	rec = h.do(jsonRequest(http.MethodPost, "/login", "", loginRequest{
		Email: "alice@example.com", Password: "correct horse",
	}))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(jsonRequest(http.MethodPost, "/login", "", loginRequest{
		Email: "alice@example.com", Password: "wrong",
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignupValidation(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: "Al", Email: "al@example.com", Password: "correct horse",
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", errorCode(t, rec))

	rec = h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: "Alice", Email: "not-an-email", Password: "correct horse",
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email", errorCode(t, rec))

	rec = h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: "Alice", Email: "alice@example.com", Password: "short",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignupDuplicateEmail(t *testing.T) {
	h := newHarness(t, nil)
	h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: "Alicia", Email: "alice@example.com", Password: "correct horse",
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email", errorCode(t, rec))
}

func TestSignupCaptchaFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Captcha = rejectingCaptcha{} })

	rec := h.do(jsonRequest(http.MethodPost, "/signup", "", signupRequest{
		Name: "Alice", Email: "alice@example.com", Password: "correct horse",
	}))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestPasswordChangeInvalidatesTokens(t *testing.T) {
	h := newHarness(t, nil)
	_, token := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPut, "/account/password", token, changePasswordRequest{
		OldPassword: "correct horse", NewPassword: "battery staple",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// The old token was cached by the middleware during the change
	// request; drop the cache to observe the rotation immediately.
	h.server.authmw.cache.Purge()

	rec = h.do(jsonRequest(http.MethodGet, "/account", token, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old session token must stop verifying")

	rec = h.do(jsonRequest(http.MethodGet, "/account", resp.Token, nil))
	assert.Equal(t, http.StatusOK, rec.Code, "fresh token from the response must work")
}

func TestPasswordChangeWrongOldPassword(t *testing.T) {
	h := newHarness(t, nil)
	_, token := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPut, "/account/password", token, changePasswordRequest{
		OldPassword: "wrong", NewPassword: "battery staple",
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangeNameCooldown(t *testing.T) {
	h := newHarness(t, nil)
	_, token := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPut, "/account/name", token, changeNameRequest{Name: "Alicia"}))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = h.do(jsonRequest(http.MethodPut, "/account/name", token, changeNameRequest{Name: "Alyssa"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "too_soon", errorCode(t, rec))
}

func TestIssueTokenRejectsAdminBit(t *testing.T) {
	h := newHarness(t, nil)
	_, token := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPost, "/account/tokens", token, issueTokenRequest{
		Name:        "ci",
		Permissions: auth.PermAdmin | auth.PermViewPackages,
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_access_config", errorCode(t, rec))
}

func TestIssueTokenRequiresAllowlist(t *testing.T) {
	h := newHarness(t, nil)
	_, token := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPost, "/account/tokens", token, issueTokenRequest{
		Name:        "ci",
		Permissions: auth.PermUploadVersionSpecificPackages,
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_access_config", errorCode(t, rec))
}

func TestIssueAndRevokeToken(t *testing.T) {
	h := newHarness(t, nil)
	_, session := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPost, "/account/tokens", session, issueTokenRequest{
		Name:        "ci",
		Description: "upload bot",
		Permissions: auth.PermViewPackages | auth.PermUploadVersionAnyPackage,
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var issued issueTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, "ci", issued.Descriptor.Name)

	// The issued token is listed.
	rec = h.do(jsonRequest(http.MethodGet, "/account/tokens", session, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var descriptors []auth.TokenDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &descriptors))
	require.Len(t, descriptors, 1)

	// Revoke, then the token no longer verifies.
	rec = h.do(jsonRequest(http.MethodDelete, "/account/tokens/ci", session, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/account", nil)
	r.Header.Set("Authorization", "Bearer "+issued.Token)
	rec = h.do(r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssuedTokenLacksUnlistedPermissions(t *testing.T) {
	h := newHarness(t, nil)
	_, session := h.signup(t, "Alice", "alice@example.com")

	rec := h.do(jsonRequest(http.MethodPost, "/account/tokens", session, issueTokenRequest{
		Name:        "read-only",
		Permissions: auth.PermViewPackages,
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued issueTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))

	// PermReadAuthorData was not granted.
	rec = h.do(jsonRequest(http.MethodGet, "/account", issued.Token, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
