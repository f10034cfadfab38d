package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	// MaxDescriptorsPerAuthor bounds how many issued tokens an author can
	// hold at once.
	MaxDescriptorsPerAuthor = 64
	// MaxDescriptorNameLen bounds the human-readable token name.
	MaxDescriptorNameLen = 32
	// MaxDescriptorDescriptionLen bounds the optional description.
	MaxDescriptorDescriptionLen = 256

	// sessionBytes is the entropy of session and token-session values.
	sessionBytes = 32
)

var (
	ErrAdminNotIssuable   = errors.New("admin permission cannot be granted to an issued token")
	ErrEmptyAllowlist     = errors.New("specific-package permission requires a non-empty package allowlist")
	ErrConflictingVariant = errors.New("any-package and specific-package variants of a permission are mutually exclusive")
)

// TokenDescriptor is an author's record of an issued token. The token
// itself is never stored; the descriptor's TokenSession ties outstanding
// tokens to the author and lets a single token be revoked.
type TokenDescriptor struct {
	TokenSession string     `json:"tokenSession"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Permissions  Permission `json:"permissions"`

	DescriptionUpdatePackages []string `json:"descriptionUpdatePackages,omitempty"`
	VersionUploadPackages     []string `json:"versionUploadPackages,omitempty"`
	UpdateVersionDataPackages []string `json:"updateVersionDataPackages,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate enforces the descriptor invariants for the token issue
// operation: name and description bounds, no admin bit, allowlists present
// exactly where specific-package bits are set, and no capability carrying
// both its any and specific variants.
func (d *TokenDescriptor) Validate() error {
	if d.Name == "" || len(d.Name) > MaxDescriptorNameLen {
		return fmt.Errorf("token name must be 1-%d characters", MaxDescriptorNameLen)
	}
	if len(d.Description) > MaxDescriptorDescriptionLen {
		return fmt.Errorf("token description must be at most %d characters", MaxDescriptorDescriptionLen)
	}
	if d.Permissions&PermAdmin != 0 {
		return ErrAdminNotIssuable
	}

	for specific, anyVariant := range scopedPairs {
		if d.Permissions&specific != 0 && d.Permissions&anyVariant != 0 {
			return ErrConflictingVariant
		}
	}

	checks := []struct {
		bit  Permission
		list []string
	}{
		{PermUpdateDescriptionSpecificPackages, d.DescriptionUpdatePackages},
		{PermUploadVersionSpecificPackages, d.VersionUploadPackages},
		{PermUpdateVersionDataSpecificPackages, d.UpdateVersionDataPackages},
	}
	for _, c := range checks {
		if d.Permissions&c.bit != 0 && len(c.list) == 0 {
			return ErrEmptyAllowlist
		}
	}

	return nil
}

// NewSession produces a cryptographically random session value, used both
// for author sessions and per-token sessions.
func NewSession() (string, error) {
	buf := make([]byte, sessionBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
