// Package catalog builds and serves the public package catalog. A periodic
// task projects all published public versions into an immutable JSON
// snapshot file; the HTTP surface serves the last snapshot bytes as-is and
// never recomputes on demand.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/store"
)

// DefaultSchedule rebuilds the snapshot every minute.
const DefaultSchedule = "@every 60s"

// snapshot is the on-disk catalog document.
type snapshot struct {
	Generated string         `json:"generated"`
	Packages  []packageEntry `json:"packages"`
}

// packageEntry keys are part of the installer-facing wire format and must
// not change.
type packageEntry struct {
	ID          string         `json:"packageId"`
	Name        string         `json:"packageName"`
	AuthorID    string         `json:"authorId"`
	AuthorName  string         `json:"authorName"`
	Description string         `json:"description"`
	Type        string         `json:"packageType"`
	Versions    []versionEntry `json:"versions"`
}

type versionEntry struct {
	Version           string             `json:"version"`
	Dependencies      []store.Dependency `json:"dependencies"`
	Incompatibilities []store.Dependency `json:"incompatibilities"`
	XPlaneSelection   string             `json:"xplaneSelection"`
	Installs          int64              `json:"installs"`
}

// Snapshotter periodically rebuilds the catalog file.
type Snapshotter struct {
	packages store.PackageStore
	path     string
	schedule string
	logger   *observability.Logger
	metrics  *observability.Metrics
	cron     *cron.Cron
}

// NewSnapshotter writes snapshots to path on the given cron schedule.
// Metrics may be nil; an empty schedule means DefaultSchedule.
func NewSnapshotter(packages store.PackageStore, path, schedule string, logger *observability.Logger, metrics *observability.Metrics) *Snapshotter {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Snapshotter{
		packages: packages,
		path:     path,
		schedule: schedule,
		logger:   logger,
		metrics:  metrics,
		cron:     cron.New(),
	}
}

// Start builds one snapshot immediately, then rebuilds on the schedule.
func (s *Snapshotter) Start(ctx context.Context) error {
	if err := s.Build(ctx); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Build(context.Background()); err != nil {
			s.logger.WithError(err).Error("catalog snapshot build failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule snapshot: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running build.
func (s *Snapshotter) Stop() {
	<-s.cron.Stop().Done()
}

// Build projects the current store state into the snapshot file. The file
// is replaced atomically: write to a temp sibling, then rename.
func (s *Snapshotter) Build(ctx context.Context) error {
	start := time.Now()

	doc, err := s.project(ctx)
	if err != nil {
		s.observeBuild(start, "error")
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		s.observeBuild(start, "error")
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".catalog-*")
	if err != nil {
		s.observeBuild(start, "error")
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.observeBuild(start, "error")
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		s.observeBuild(start, "error")
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		s.observeBuild(start, "error")
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotPackages.Set(float64(len(doc.Packages)))
	}
	s.observeBuild(start, "ok")
	s.logger.WithField("packages", len(doc.Packages)).Debug("catalog snapshot written")
	return nil
}

func (s *Snapshotter) observeBuild(start time.Time, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SnapshotBuildsTotal.WithLabelValues(status).Inc()
	s.metrics.SnapshotBuildDuration.Observe(time.Since(start).Seconds())
}

// project collects every Processed public version grouped by package.
// Packages with no qualifying versions are omitted.
func (s *Snapshotter) project(ctx context.Context) (*snapshot, error) {
	pkgs, err := s.packages.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	doc := &snapshot{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Packages:  []packageEntry{},
	}

	for _, pkg := range pkgs {
		versions, err := s.packages.ListVersions(ctx, pkg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list versions for %s: %w", pkg.ID, err)
		}

		entry := packageEntry{
			ID:          pkg.ID,
			Name:        pkg.Name,
			AuthorID:    pkg.AuthorID,
			AuthorName:  pkg.AuthorName,
			Description: pkg.Description,
			Type:        string(pkg.Type),
			Versions:    []versionEntry{},
		}
		for _, v := range versions {
			if v.Status != store.StatusProcessed || !v.Public {
				continue
			}
			deps := v.Dependencies
			if deps == nil {
				deps = []store.Dependency{}
			}
			incompat := v.Incompatibilities
			if incompat == nil {
				incompat = []store.Dependency{}
			}
			entry.Versions = append(entry.Versions, versionEntry{
				Version:           v.Version.String(),
				Dependencies:      deps,
				Incompatibilities: incompat,
				XPlaneSelection:   v.XPSelection.String(),
				Installs:          v.Installs,
			})
		}
		if len(entry.Versions) > 0 {
			doc.Packages = append(doc.Packages, entry)
		}
	}
	return doc, nil
}

// Handler serves the snapshot file bytes as-is.
func (s *Snapshotter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(s.path)
		if err != nil {
			http.Error(w, `{"error":"catalog not ready"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}
