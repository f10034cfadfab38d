package api

import (
	"net/http"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/httputil"
	"github.com/platinummonkey/hangar/pkg/store"
)

// PackageHandlers serves package creation and metadata updates.
type PackageHandlers struct {
	deps Deps
}

// NewPackageHandlers builds the package handler group.
func NewPackageHandlers(deps Deps) *PackageHandlers {
	return &PackageHandlers{deps: deps}
}

type createPackageRequest struct {
	PackageID   string            `json:"packageId"`
	PackageName string            `json:"packageName"`
	Description string            `json:"description"`
	PackageType store.PackageType `json:"packageType"`
}

// createPackage handles POST /packages.
func (h *PackageHandlers) createPackage(w http.ResponseWriter, r *http.Request) {
	claims := requirePermission(w, r, auth.PermViewPackages)
	if claims == nil {
		return
	}

	var req createPackageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	req.PackageID = admission.NormalizePackageID(req.PackageID)
	if err := admission.ValidatePackageID(req.PackageID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := admission.ValidatePackageName(req.PackageName); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := admission.ValidateDescription(req.Description); err != nil {
		writeDomainError(w, err)
		return
	}
	if !req.PackageType.Valid() {
		httputil.WriteValidationError(w, admission.CodeMissingFormData, "unknown package type")
		return
	}

	// Friendly pre-checks; CreatePackage below is the real guarantee.
	if h.deps.PreChecks != nil {
		if err := h.deps.PreChecks.CheckPackageIDFree(r.Context(), req.PackageID); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := h.deps.PreChecks.CheckPackageNameFree(r.Context(), req.PackageName); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	author, err := h.deps.Authors.AuthorByID(r.Context(), claims.AuthorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pkg := &store.Package{
		ID:          req.PackageID,
		Name:        req.PackageName,
		AuthorID:    author.ID,
		AuthorName:  author.Name,
		Description: req.Description,
		Type:        req.PackageType,
	}
	if err := h.deps.Packages.CreatePackage(r.Context(), pkg); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, pkg)
}

// getPackage handles GET /packages/{id}.
func (h *PackageHandlers) getPackage(w http.ResponseWriter, r *http.Request) {
	claims := requirePermission(w, r, auth.PermViewPackages)
	if claims == nil {
		return
	}
	id, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	pkg, err := h.deps.Packages.PackageByID(r.Context(), admission.NormalizePackageID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, pkg)
}

type updateDescriptionRequest struct {
	Description string `json:"description"`
}

// updateDescription handles PUT /packages/{id}/description.
func (h *PackageHandlers) updateDescription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	id = admission.NormalizePackageID(id)

	claims := requirePackagePermission(w, r, auth.PermUpdateDescriptionAnyPackage, id)
	if claims == nil {
		return
	}

	var req updateDescriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := admission.ValidateDescription(req.Description); err != nil {
		writeDomainError(w, err)
		return
	}

	pkg, err := h.deps.Packages.PackageByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pkg.AuthorID != claims.AuthorID {
		writeDomainError(w, store.ErrNotOwner)
		return
	}

	if err := h.deps.Packages.UpdateDescription(r.Context(), id, req.Description); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
