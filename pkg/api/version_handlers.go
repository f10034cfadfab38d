package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/httputil"
	"github.com/platinummonkey/hangar/pkg/pipeline"
	"github.com/platinummonkey/hangar/pkg/selection"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

// ingestionTimeout bounds the detached ingestion goroutine. It is wider
// than the pipeline's own run deadline so the pipeline always times out
// first and can unwind cleanly.
const ingestionTimeout = 2 * time.Hour

// multipartMemory is how much of a multipart body is held in memory
// before spilling to disk.
const multipartMemory = 32 << 20

// VersionHandlers serves version upload, retry and listing.
type VersionHandlers struct {
	deps Deps
}

// NewVersionHandlers builds the version handler group.
func NewVersionHandlers(deps Deps) *VersionHandlers {
	return &VersionHandlers{deps: deps}
}

// uploadVersion handles POST /packages/{id}/versions. The response is
// written as soon as the record is reserved; processing continues in the
// background and the outcome lands on the version record.
func (h *VersionHandlers) uploadVersion(w http.ResponseWriter, r *http.Request) {
	packageID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	packageID = admission.NormalizePackageID(packageID)

	claims := requirePackagePermission(w, r, auth.PermUploadVersionAnyPackage, packageID)
	if claims == nil {
		return
	}

	pkg, err := h.deps.Packages.PackageByID(r.Context(), packageID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pkg.AuthorID != claims.AuthorID {
		writeDomainError(w, store.ErrNotOwner)
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		httputil.WriteValidationError(w, admission.CodeMissingFormData, "request must be multipart form data")
		return
	}

	v, err := version.Parse(r.FormValue("version"))
	if err != nil {
		httputil.WriteValidationError(w, admission.CodeBadVersion, err.Error())
		return
	}

	job := &pipeline.Job{
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		PackageType: pkg.Type,
		Version:     v,
		AuthorID:    claims.AuthorID,
		Public:      r.FormValue("isPublic") == "true",
		Stored:      r.FormValue("isStored") == "true",
	}
	// A public version is served from the CDN; its archive must be stored.
	if job.Public && !job.Stored {
		httputil.WriteValidationError(w, admission.CodeBadAccessConfig, "public versions must be stored")
		return
	}

	if job.Dependencies, err = parseDependencyList(r.FormValue("dependencies")); err != nil {
		httputil.WriteValidationError(w, admission.CodeBadDependencies, err.Error())
		return
	}
	if job.Incompatibilities, err = parseDependencyList(r.FormValue("incompatibilities")); err != nil {
		httputil.WriteValidationError(w, admission.CodeBadDependencies, err.Error())
		return
	}

	sel := r.FormValue("xpSelection")
	if sel == "" {
		sel = "*"
	}
	if job.XPSelection, err = selection.Parse(sel); err != nil {
		httputil.WriteValidationError(w, admission.CodeBadSelection, err.Error())
		return
	}

	// Friendly pre-check; Reserve below is the real guarantee.
	if h.deps.PreChecks != nil {
		if err := h.deps.PreChecks.CheckVersionFree(r.Context(), pkg.ID, v); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	archivePath, err := h.saveUpload(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	job.ArchivePath = archivePath

	if err := h.deps.Ingestor.Reserve(r.Context(), job); err != nil {
		os.Remove(archivePath)
		writeDomainError(w, err)
		return
	}
	h.dispatch(job)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"packageId": pkg.ID,
		"version":   v.String(),
		"status":    string(store.StatusProcessing),
	})
}

// retryVersion handles POST /packages/{id}/versions/{version}/retry with a
// fresh archive. The stored dependencies, incompatibilities and selection
// are preserved from the original attempt.
func (h *VersionHandlers) retryVersion(w http.ResponseWriter, r *http.Request) {
	packageID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	packageID = admission.NormalizePackageID(packageID)

	claims := requirePackagePermission(w, r, auth.PermUploadVersionAnyPackage, packageID)
	if claims == nil {
		return
	}

	rawVersion, ok := httputil.PathVarOrError(w, r, "version")
	if !ok {
		return
	}
	v, err := version.Parse(rawVersion)
	if err != nil {
		httputil.WriteValidationError(w, admission.CodeBadVersion, err.Error())
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		httputil.WriteValidationError(w, admission.CodeMissingFormData, "request must be multipart form data")
		return
	}
	archivePath, err := h.saveUpload(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job, err := h.deps.Ingestor.Retry(r.Context(), packageID, v, claims.AuthorID, archivePath)
	if err != nil {
		os.Remove(archivePath)
		writeDomainError(w, err)
		return
	}
	h.dispatch(job)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"packageId": packageID,
		"version":   v.String(),
		"status":    string(store.StatusProcessing),
	})
}

// listVersions handles GET /packages/{id}/versions.
func (h *VersionHandlers) listVersions(w http.ResponseWriter, r *http.Request) {
	claims := requirePermission(w, r, auth.PermViewPackages)
	if claims == nil {
		return
	}
	packageID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	records, err := h.deps.Packages.ListVersions(r.Context(), admission.NormalizePackageID(packageID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, records)
}

// reportInstall handles POST /packages/{id}/versions/{version}/install.
// Installer clients call it after a completed install; the counter is
// monotonic and the endpoint needs no account.
func (h *VersionHandlers) reportInstall(w http.ResponseWriter, r *http.Request) {
	packageID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	rawVersion, ok := httputil.PathVarOrError(w, r, "version")
	if !ok {
		return
	}
	v, err := version.Parse(rawVersion)
	if err != nil {
		httputil.WriteValidationError(w, admission.CodeBadVersion, err.Error())
		return
	}

	err = h.deps.Packages.IncrementInstalls(r.Context(), admission.NormalizePackageID(packageID), v)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// saveUpload streams the "file" form part into the upload directory and
// returns its path.
func (h *VersionHandlers) saveUpload(r *http.Request) (string, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return "", &admission.ValidationError{
			Code: admission.CodeNoFile, Field: "file", Message: "archive file is required",
		}
	}
	defer file.Close()

	if err := os.MkdirAll(h.deps.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	path := filepath.Join(h.deps.UploadDir, uuid.NewString()+".zip")
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close upload: %w", err)
	}
	return path, nil
}

// dispatch hands a reserved job to the pipeline: through the bounded
// worker pool when one is configured, otherwise on a detached goroutine.
func (h *VersionHandlers) dispatch(job *pipeline.Job) {
	run := func(ctx context.Context) error {
		h.deps.Ingestor.Run(ctx, job)
		return nil
	}
	if h.deps.Workers != nil {
		if err := h.deps.Workers.Submit(run); err == nil {
			return
		}
		// Pool rejected the job (shutting down); fall through so the
		// reserved record still gets processed.
	}
	async.SafeGo(context.Background(), h.deps.Logger, ingestionTimeout, "version ingestion", run)
}

// parseDependencyList decodes the JSON array-of-pairs form field. An empty
// field is an empty list.
func parseDependencyList(raw string) ([]store.Dependency, error) {
	if raw == "" {
		return nil, nil
	}
	var deps []store.Dependency
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("must be a JSON array of [packageId, selection] pairs: %w", err)
	}
	return deps, nil
}
