package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Token verification failures. Handlers collapse all of these to a single
// 401 at the boundary.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("token signature mismatch")
	ErrExpiredToken   = errors.New("token expired")
	ErrStaleSession   = errors.New("token session no longer valid")
)

// Claims is the signed payload of a bearer token. Key names are part of the
// wire contract.
type Claims struct {
	AuthorID     string     `json:"id"`
	Name         string     `json:"name"`
	Session      string     `json:"session"`
	TokenSession string     `json:"tokenSession,omitempty"`
	Permissions  Permission `json:"permissions"`

	DescriptionUpdatePackages []string `json:"descriptionUpdatePackages,omitempty"`
	VersionUploadPackages     []string `json:"versionUploadPackages,omitempty"`
	UpdateVersionDataPackages []string `json:"updateVersionDataPackages,omitempty"`

	IssuedAt  int64 `json:"iat"`
	ExpiresAt int64 `json:"exp"`
}

// HasPermission reports whether the token carries the capability bit.
func (c *Claims) HasPermission(bit Permission) bool {
	return c.Permissions.Has(bit)
}

// PermitsPackage reports whether the token permits exercising bit against
// the given package. Any-package bits permit everything; specific bits
// consult the allowlist the token carries for that capability.
func (c *Claims) PermitsPackage(bit Permission, packageID string) bool {
	if c.Permissions&PermAdmin != 0 {
		return true
	}
	switch bit {
	case PermUpdateDescriptionAnyPackage, PermUpdateDescriptionSpecificPackages:
		if c.Permissions&PermUpdateDescriptionAnyPackage != 0 {
			return true
		}
		return c.Permissions&PermUpdateDescriptionSpecificPackages != 0 &&
			containsID(c.DescriptionUpdatePackages, packageID)
	case PermUploadVersionAnyPackage, PermUploadVersionSpecificPackages:
		if c.Permissions&PermUploadVersionAnyPackage != 0 {
			return true
		}
		return c.Permissions&PermUploadVersionSpecificPackages != 0 &&
			containsID(c.VersionUploadPackages, packageID)
	case PermUpdateVersionDataAnyPackage, PermUpdateVersionDataSpecificPackages:
		if c.Permissions&PermUpdateVersionDataAnyPackage != 0 {
			return true
		}
		return c.Permissions&PermUpdateVersionDataSpecificPackages != 0 &&
			containsID(c.UpdateVersionDataPackages, packageID)
	}
	return c.Permissions.Has(bit)
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// SessionSource resolves the live session state for an author, so that any
// credential change invalidates every outstanding token.
type SessionSource interface {
	// AuthorSessions returns the author's current session and the token
	// sessions of all still-listed token descriptors.
	AuthorSessions(ctx context.Context, authorID string) (session string, tokenSessions []string, err error)
}

// Signer issues and verifies HS256-signed bearer tokens.
type Signer struct {
	secret   []byte
	sessions SessionSource
	now      func() time.Time
}

// NewSigner creates a Signer with the process-wide signing secret. sessions
// may be nil, in which case Verify skips the live session check (signature
// and expiry only).
func NewSigner(secret []byte, sessions SessionSource) *Signer {
	return &Signer{secret: secret, sessions: sessions, now: time.Now}
}

// jwsHeader is the fixed compact-serialization header.
const jwsHeader = `{"alg":"HS256","typ":"JWT"}`

// Issue signs claims valid for ttl from now.
func (s *Signer) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := s.now()
	claims.IssuedAt = now.Unix()
	claims.ExpiresAt = now.Add(ttl).Unix()

	payload, err := json.Marshal(&claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString([]byte(jwsHeader)) + "." + enc.EncodeToString(payload)
	return signingInput + "." + enc.EncodeToString(s.sign(signingInput)), nil
}

// Verify checks signature, expiry and, when a SessionSource is configured,
// that the embedded session (and token session, if present) are still the
// author's live ones.
func (s *Signer) Verify(ctx context.Context, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	enc := base64.RawURLEncoding
	signingInput := parts[0] + "." + parts[1]
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(sig, s.sign(signingInput)) {
		return nil, ErrBadSignature
	}

	payload, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedToken
	}

	if claims.ExpiresAt <= s.now().Unix() {
		return nil, ErrExpiredToken
	}

	if s.sessions != nil {
		session, tokenSessions, err := s.sessions.AuthorSessions(ctx, claims.AuthorID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve author sessions: %w", err)
		}
		if session != claims.Session {
			return nil, ErrStaleSession
		}
		if claims.TokenSession != "" && !containsID(tokenSessions, claims.TokenSession) {
			return nil, ErrStaleSession
		}
	}

	return &claims, nil
}

func (s *Signer) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}
