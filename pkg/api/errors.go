package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/httputil"
	"github.com/platinummonkey/hangar/pkg/pipeline"
	"github.com/platinummonkey/hangar/pkg/store"
)

// writeDomainError maps store, auth and admission errors onto the HTTP
// error contract. Anything unrecognized becomes an opaque 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *admission.ValidationError
	if errors.As(err, &verr) {
		httputil.WriteValidationError(w, verr.Code, verr.Message)
		return
	}

	var dup *store.DuplicateError
	if errors.As(err, &dup) {
		switch {
		case dup.Field == "id":
			httputil.WriteValidationError(w, admission.CodeIDInUse, "package id already in use")
		case dup.Field == "email":
			httputil.WriteValidationError(w, admission.CodeBadEmail, "email already registered")
		case dup.Entity == store.EntityPackage:
			// Package display names collide under name_in_use even when
			// the pre-check raced with a concurrent create.
			httputil.WriteValidationError(w, admission.CodeNameInUse, "package name already in use")
		default:
			httputil.WriteValidationError(w, admission.CodeBadName, "name already in use")
		}
		return
	}

	var noPkg *store.NoSuchPackageError
	var noAcct *store.NoSuchAccountError
	if errors.As(err, &noPkg) || errors.As(err, &noAcct) {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	var transition *store.InvalidTransitionError
	if errors.As(err, &transition) {
		httputil.WriteCode(w, http.StatusConflict, "conflict", err.Error())
		return
	}

	switch {
	case errors.Is(err, store.ErrVersionExists):
		httputil.WriteValidationError(w, admission.CodeVersionExists, "version already exists")
	case errors.Is(err, store.ErrNameChangeTooSoon):
		httputil.WriteValidationError(w, admission.CodeTooSoon, "name was changed less than 30 days ago")
	case errors.Is(err, store.ErrNotOwner):
		httputil.WriteForbidden(w, "you do not own this package")
	case errors.Is(err, store.ErrTokenLimit):
		httputil.WriteValidationError(w, admission.CodeTokenLimit, "too many issued tokens")
	case errors.Is(err, pipeline.ErrPublicNotStored),
		errors.Is(err, auth.ErrAdminNotIssuable),
		errors.Is(err, auth.ErrEmptyAllowlist),
		errors.Is(err, auth.ErrConflictingVariant):
		httputil.WriteValidationError(w, admission.CodeBadAccessConfig, err.Error())
	default:
		httputil.WriteInternalError(w)
	}
}
