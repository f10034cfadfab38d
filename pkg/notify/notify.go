// Package notify delivers author-facing notifications. The transport
// (email, webhook) lives outside this service; implementations here adapt
// to it.
package notify

import (
	"context"

	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/version"
)

// VersionOutcome describes a finished ingestion for the author.
type VersionOutcome struct {
	AuthorID  string
	PackageID string
	Version   version.Version

	// Succeeded distinguishes the success wording from the failure one.
	Succeeded bool

	// Stored is true when the blob was persisted; local-only packages get
	// different success wording.
	Stored bool

	// DownloadURL is the 24-hour presigned link for private stored
	// versions; empty otherwise.
	DownloadURL string

	// Reason holds the failure explanation when Succeeded is false.
	Reason string
}

// Notifier delivers outcomes to authors.
type Notifier interface {
	VersionProcessed(ctx context.Context, outcome VersionOutcome) error
}

// Discard is a Notifier that drops everything; tests and local runs use it.
type Discard struct{}

func (Discard) VersionProcessed(ctx context.Context, outcome VersionOutcome) error { return nil }

// Log writes outcomes to the structured log. Deployments without an email
// or webhook transport run with this.
type Log struct {
	Logger *observability.Logger
}

func (l Log) VersionProcessed(ctx context.Context, outcome VersionOutcome) error {
	entry := l.Logger.WithFields(map[string]interface{}{
		"author_id":  outcome.AuthorID,
		"package_id": outcome.PackageID,
		"version":    outcome.Version.String(),
		"succeeded":  outcome.Succeeded,
	})
	if outcome.Succeeded {
		entry.Info("version processed")
	} else {
		entry.WithField("reason", outcome.Reason).Warn("version failed")
	}
	return nil
}

// Recorder captures outcomes for assertions in tests.
type Recorder struct {
	Outcomes []VersionOutcome
}

func (r *Recorder) VersionProcessed(ctx context.Context, outcome VersionOutcome) error {
	r.Outcomes = append(r.Outcomes, outcome)
	return nil
}
