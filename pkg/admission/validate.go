package admission

import (
	"fmt"
	"regexp"
	"strings"
)

// Machine codes for validation failures. They are part of the external
// error contract and form a closed enum: clients branch on them.
const (
	CodeShortID         = "short_id"
	CodeLongDesc        = "long_desc"
	CodeBadName         = "name"
	CodeBadEmail        = "email"
	CodeBadVersion      = "version"
	CodeBadDependencies = "dependencies"
	CodeBadSelection    = "selection"
	CodeIDInUse         = "id_in_use"
	CodeNameInUse       = "name_in_use"
	CodeVersionExists   = "version_exists"
	CodeNoFile          = "no_file"
	CodeMissingFormData = "missing_form_data"
	CodeBadAccessConfig = "invalid_access_config"
	CodeTooSoon         = "too_soon"
	CodeTokenLimit      = "token_limit"
)

// ValidationError carries the machine code the HTTP layer returns as a 400.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const (
	minPackageNameLen = 3
	maxPackageNameLen = 32
	minDescriptionLen = 10
	maxDescriptionLen = 8192
)

// packageIDPattern: 6-32 chars, lowercase alphanumeric plus _-. with a
// leading letter. IDs are case-folded before validation.
var packageIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_\-.]{5,31}$`)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizePackageID case-folds an id the way the registry stores it.
func NormalizePackageID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidatePackageID checks the package identifier grammar. The input is
// expected to be normalized already.
func ValidatePackageID(id string) error {
	if !packageIDPattern.MatchString(id) {
		return &ValidationError{
			Code:    CodeShortID,
			Field:   "packageId",
			Message: "package id must be 6-32 characters, start with a letter and use only a-z 0-9 _ - .",
		}
	}
	return nil
}

// ValidatePackageName checks the display-name length bounds.
func ValidatePackageName(name string) error {
	if n := len(name); n < minPackageNameLen || n > maxPackageNameLen {
		return &ValidationError{
			Code:    CodeBadName,
			Field:   "packageName",
			Message: fmt.Sprintf("package name must be %d-%d characters", minPackageNameLen, maxPackageNameLen),
		}
	}
	return nil
}

// ValidateDescription checks the description length bounds.
func ValidateDescription(desc string) error {
	if n := len(desc); n < minDescriptionLen || n > maxDescriptionLen {
		return &ValidationError{
			Code:    CodeLongDesc,
			Field:   "description",
			Message: fmt.Sprintf("description must be %d-%d characters", minDescriptionLen, maxDescriptionLen),
		}
	}
	return nil
}

// ValidateAuthorName checks an author display name. Uniqueness is
// case-insensitive and enforced by the store.
func ValidateAuthorName(name string) error {
	if n := len(name); n < minPackageNameLen || n > maxPackageNameLen {
		return &ValidationError{
			Code:    CodeBadName,
			Field:   "name",
			Message: fmt.Sprintf("name must be %d-%d characters", minPackageNameLen, maxPackageNameLen),
		}
	}
	return nil
}

// ValidateEmail checks the shape of an email address. Addresses are stored
// lowercase; callers normalize first.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return &ValidationError{
			Code:    CodeBadEmail,
			Field:   "email",
			Message: "invalid email address",
		}
	}
	return nil
}
