package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/hangar/pkg/archive"
	"github.com/platinummonkey/hangar/pkg/blob"
	"github.com/platinummonkey/hangar/pkg/broker"
	"github.com/platinummonkey/hangar/pkg/notify"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/selection"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

// ErrPublicNotStored rejects the inconsistent access configuration where a
// version is public but its archive is not kept. Public versions are served
// from the CDN, so they must be stored.
var ErrPublicNotStored = errors.New("public versions must be stored")

// Channel is the broker surface the pipeline needs; broker.Client satisfies
// it and tests substitute fakes.
type Channel interface {
	Start(ctx context.Context)
	OnAbort(fn func())
	WaitForAuthorization(ctx context.Context) error
	Done(ctx context.Context) error
	Close()
}

// ChannelFactory opens a broker channel for one job.
type ChannelFactory func(job broker.JobInfo) Channel

// Config holds pipeline settings.
type Config struct {
	// CDNBase prefixes public download locations.
	CDNBase string

	// AuthDeadline bounds the wait for broker authorization.
	AuthDeadline time.Duration

	// RunDeadline bounds one whole ingestion.
	RunDeadline time.Duration

	// PresignTTL is the lifetime of private download links.
	PresignTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthDeadline == 0 {
		c.AuthDeadline = 5 * time.Minute
	}
	if c.RunDeadline == 0 {
		c.RunDeadline = time.Hour
	}
	if c.PresignTTL == 0 {
		c.PresignTTL = 24 * time.Hour
	}
}

// Job is one version ingestion.
type Job struct {
	PackageID         string
	PackageName       string
	PackageType       store.PackageType
	Version           version.Version
	AuthorID          string
	Public            bool
	Stored            bool
	Dependencies      []store.Dependency
	Incompatibilities []store.Dependency
	XPSelection       selection.Expr

	// ArchivePath is the uploaded archive on local disk. The pipeline
	// removes it on every exit path.
	ArchivePath string
}

// Ingestor executes ingestion jobs.
type Ingestor struct {
	authors  store.AuthorStore
	packages store.PackageStore
	public   blob.Store
	private  blob.Store
	channels ChannelFactory
	archive  *archive.Processor
	notifier notify.Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics
	cfg      Config
}

// NewIngestor wires an ingestor. Metrics may be nil.
func NewIngestor(
	authors store.AuthorStore,
	packages store.PackageStore,
	public, private blob.Store,
	channels ChannelFactory,
	proc *archive.Processor,
	notifier notify.Notifier,
	logger *observability.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Ingestor {
	cfg.applyDefaults()
	return &Ingestor{
		authors:  authors,
		packages: packages,
		public:   public,
		private:  private,
		channels: channels,
		archive:  proc,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Reserve writes the Processing record before dispatch. A duplicate
// (package, version) surfaces as store.ErrVersionExists and nothing is
// dispatched. The access config is validated again here so no caller can
// reserve a public record that would resolve without a stored archive.
func (i *Ingestor) Reserve(ctx context.Context, job *Job) error {
	if job.Public && !job.Stored {
		return ErrPublicNotStored
	}
	rec := &store.VersionRecord{
		PackageID:         job.PackageID,
		Version:           job.Version,
		Public:            job.Public,
		Stored:            job.Stored,
		Dependencies:      job.Dependencies,
		Incompatibilities: job.Incompatibilities,
		XPSelection:       job.XPSelection,
	}
	if !job.Public && job.Stored {
		rec.PrivateKey = NewPrivateKey()
	}
	return i.packages.InsertVersion(ctx, rec)
}

// run tracks one execution's cleanup obligations.
type run struct {
	ing *Ingestor
	job *Job
	log *observability.Logger

	mu              sync.Mutex
	consumedStorage bool
	consumedBytes   int64
	uploadedKey     string
	uploadedPublic  bool
	outputPath      string
	finished        bool
	abortRequested  bool
}

// aborted reports whether the broker abort path has taken over this run.
// execute consults it before each irreversible step so an aborted run stops
// consuming quota, uploading or publishing.
func (r *run) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortRequested
}

// Run executes the state machine for a reserved job. It never returns an
// error to the dispatcher; outcomes land in the version record and the
// author notification.
func (i *Ingestor) Run(ctx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.RunDeadline)
	defer cancel()

	start := time.Now()
	r := &run{
		ing: i,
		job: job,
		log: i.logger.
			WithField("package_id", job.PackageID).
			WithField("version", job.Version.String()).
			WithField("author_id", job.AuthorID),
	}

	status := r.execute(ctx)

	if i.metrics != nil {
		i.metrics.IngestionsTotal.WithLabelValues(string(status)).Inc()
		i.metrics.IngestionDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	}
}

func (r *run) execute(ctx context.Context) store.VersionStatus {
	defer r.removeInput()

	ch := r.ing.channels(broker.JobInfo{
		PackageID: r.job.PackageID,
		Version:   r.job.Version.String(),
	})
	defer ch.Close()

	ch.OnAbort(func() { r.abort(context.Background()) })
	ch.Start(ctx)

	r.log.Info("waiting for job authorization")
	authCtx, cancel := context.WithTimeout(ctx, r.ing.cfg.AuthDeadline)
	err := ch.WaitForAuthorization(authCtx)
	cancel()
	if err != nil {
		r.log.WithError(err).Warn("job authorization failed")
		r.abort(ctx)
		return store.StatusAborted
	}

	r.log.Info("processing archive")
	res, err := r.ing.archive.Process(ctx, archive.Request{
		ArchivePath:       r.job.ArchivePath,
		PackageID:         r.job.PackageID,
		PackageName:       r.job.PackageName,
		PackageType:       r.job.PackageType,
		Version:           r.job.Version,
		AuthorID:          r.job.AuthorID,
		Dependencies:      r.job.Dependencies,
		Incompatibilities: r.job.Incompatibilities,
		XPSelection:       r.job.XPSelection,
	})
	if err != nil {
		var failure *archive.Failure
		if errors.As(err, &failure) {
			return r.fail(ctx, failure.Status, failure.Reason)
		}
		return r.fail(ctx, store.StatusFailedServer, err.Error())
	}
	r.outputPath = res.OutputPath
	defer r.removeOutput()

	if r.aborted() {
		return store.StatusAborted
	}
	ok, err := r.ing.authors.TryConsumeStorage(ctx, r.job.AuthorID, res.Size)
	if err != nil {
		return r.fail(ctx, store.StatusFailedServer, fmt.Sprintf("storage accounting failed: %v", err))
	}
	if !ok {
		return r.fail(ctx, store.StatusFailedNotEnoughSpace, "storage quota exceeded")
	}
	r.mu.Lock()
	r.consumedStorage = true
	r.consumedBytes = res.Size
	r.mu.Unlock()

	if r.aborted() {
		r.unwind(ctx)
		return store.StatusAborted
	}
	var downloadURL string
	key := uuid.NewString()
	if r.job.Stored {
		dest := r.ing.private
		if r.job.Public {
			dest = r.ing.public
		}
		if err := r.upload(ctx, dest, key, res); err != nil {
			return r.fail(ctx, store.StatusFailedServer, err.Error())
		}
		r.mu.Lock()
		r.uploadedKey = key
		r.uploadedPublic = r.job.Public
		r.mu.Unlock()

		if !r.job.Public {
			downloadURL, err = dest.PresignGet(ctx, key, r.ing.cfg.PresignTTL)
			if err != nil {
				return r.fail(ctx, store.StatusFailedServer, fmt.Sprintf("failed to presign download: %v", err))
			}
		}
	}

	if r.aborted() {
		r.unwind(ctx)
		return store.StatusAborted
	}

	// Only public stored versions get a public location; the presigned
	// URL is never persisted.
	location := store.NotStored
	if r.job.Stored && r.job.Public {
		location = r.ing.cfg.CDNBase + "/" + key
	}

	err = r.ing.packages.ResolveVersion(ctx, r.job.PackageID, r.job.Version, res.Hash, location, res.Size, res.InstalledSize)
	if err != nil {
		return r.fail(ctx, store.StatusFailedServer, fmt.Sprintf("failed to publish version: %v", err))
	}
	r.markFinished()

	if err := ch.Done(ctx); err != nil {
		r.log.WithError(err).Warn("broker completion handoff failed")
	}

	r.notify(ctx, notify.VersionOutcome{
		AuthorID:    r.job.AuthorID,
		PackageID:   r.job.PackageID,
		Version:     r.job.Version,
		Succeeded:   true,
		Stored:      r.job.Stored,
		DownloadURL: downloadURL,
	})
	r.log.Info("version published")
	return store.StatusProcessed
}

func (r *run) upload(ctx context.Context, dest blob.Store, key string, res *archive.Result) error {
	f, err := os.Open(res.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to open output archive: %w", err)
	}
	defer f.Close()
	if err := dest.Put(ctx, key, f, res.Size, "application/zip"); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}

// fail moves the record to a terminal Failed* state and unwinds side
// effects. freeStorage runs exactly once per run. When the abort path has
// already finished the run, the record, cleanup and notification are its;
// fail only reports the aborted status back to the caller.
func (r *run) fail(ctx context.Context, status store.VersionStatus, reason string) store.VersionStatus {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return store.StatusAborted
	}
	r.finished = true
	r.mu.Unlock()

	r.log.WithField("status", string(status)).WithField("reason", reason).Warn("ingestion failed")

	if err := r.ing.packages.UpdateStatus(ctx, r.job.PackageID, r.job.Version, status); err != nil {
		r.log.WithError(err).Error("failed to record failure status")
	}
	r.unwind(ctx)

	r.notify(ctx, notify.VersionOutcome{
		AuthorID:  r.job.AuthorID,
		PackageID: r.job.PackageID,
		Version:   r.job.Version,
		Reason:    reason,
	})
	return status
}

// abort is the broker-initiated cleanup path. It is idempotent and safe to
// invoke concurrently with a finishing run.
func (r *run) abort(ctx context.Context) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.abortRequested = true
	r.mu.Unlock()

	r.log.Warn("ingestion aborted")

	err := r.ing.packages.UpdateStatus(ctx, r.job.PackageID, r.job.Version, store.StatusAborted)
	if err != nil {
		var invalid *store.InvalidTransitionError
		if !errors.As(err, &invalid) {
			r.log.WithError(err).Warn("failed to record abort status")
		}
	}
	r.unwind(ctx)
	r.removeInput()
	r.removeOutput()

	// Run observes the aborted outcome through execute's return value, so
	// the metric is counted there exactly once.
	r.notify(ctx, notify.VersionOutcome{
		AuthorID:  r.job.AuthorID,
		PackageID: r.job.PackageID,
		Version:   r.job.Version,
		Reason:    "processing was aborted by the scheduler",
	})
}

// unwind releases consumed quota and deletes any uploaded blob.
func (r *run) unwind(ctx context.Context) {
	r.mu.Lock()
	consumed := r.consumedStorage
	bytes := r.consumedBytes
	key := r.uploadedKey
	public := r.uploadedPublic
	r.consumedStorage = false
	r.uploadedKey = ""
	r.mu.Unlock()

	if consumed {
		if err := r.ing.authors.FreeStorage(ctx, r.job.AuthorID, bytes); err != nil {
			r.log.WithError(err).Error("failed to release consumed storage")
		}
	}
	if key != "" {
		dest := r.ing.private
		if public {
			dest = r.ing.public
		}
		if err := dest.Delete(ctx, key); err != nil {
			r.log.WithError(err).Warn("failed to delete uploaded blob")
		}
	}
}

func (r *run) markFinished() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
}

func (r *run) removeInput() {
	if r.job.ArchivePath == "" {
		return
	}
	if err := os.Remove(r.job.ArchivePath); err != nil && !os.IsNotExist(err) {
		r.log.WithError(err).Warn("failed to remove uploaded archive")
	}
}

func (r *run) removeOutput() {
	r.mu.Lock()
	path := r.outputPath
	r.outputPath = ""
	r.mu.Unlock()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.WithError(err).Warn("failed to remove output archive")
	}
}

func (r *run) notify(ctx context.Context, outcome notify.VersionOutcome) {
	if err := r.ing.notifier.VersionProcessed(ctx, outcome); err != nil {
		r.log.WithError(err).Warn("failed to notify author")
	}
}

// Retry re-enters the pipeline for a failed or aborted record. The stored
// dependencies, incompatibilities, selection and access config are
// preserved; only the archive is new.
func (i *Ingestor) Retry(ctx context.Context, packageID string, v version.Version, authorID, archivePath string) (*Job, error) {
	pkg, err := i.packages.PackageByID(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.AuthorID != authorID {
		return nil, store.ErrNotOwner
	}

	rec, err := i.packages.Version(ctx, packageID, v)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Failed() && rec.Status != store.StatusAborted {
		return nil, &store.InvalidTransitionError{From: rec.Status, To: store.StatusProcessing}
	}

	if err := i.packages.UpdateStatus(ctx, packageID, v, store.StatusProcessing); err != nil {
		return nil, err
	}

	return &Job{
		PackageID:         pkg.ID,
		PackageName:       pkg.Name,
		PackageType:       pkg.Type,
		Version:           v,
		AuthorID:          authorID,
		Public:            rec.Public,
		Stored:            rec.Stored,
		Dependencies:      rec.Dependencies,
		Incompatibilities: rec.Incompatibilities,
		XPSelection:       rec.XPSelection,
		ArchivePath:       archivePath,
	}, nil
}

// privateKeyAlphabet covers uppercase alphanumerics.
const privateKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewPrivateKey returns a 32-character uppercase alphanumeric key for
// private stored versions.
func NewPrivateKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = privateKeyAlphabet[int(b)%len(privateKeyAlphabet)]
	}
	return string(buf)
}
