package updater

import (
	"context"
	"time"
)

// DefaultRepository is the GitHub repository releases are pulled from.
const DefaultRepository = "smazurov/llmpool"

// Options configures the updater service.
type Options struct {
	Repository string // GitHub repo slug, defaults to DefaultRepository
	Prerelease bool   // include prereleases when checking
}

// State is the updater's position in the check/download/apply cycle.
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StateAvailable   State = "available" // a newer release was found
	StateDownloading State = "downloading"
	StateApplying    State = "applying"
	StateRestarting  State = "restarting"
	StateError       State = "error"
	StateRolledBack  State = "rolled_back"
)

// Service drives self-update for the running binary.
type Service interface {
	// CheckForUpdate queries the release feed without downloading.
	CheckForUpdate(ctx context.Context) (*UpdateInfo, error)

	// ApplyUpdate downloads and installs the newest release, then
	// triggers a restart.
	ApplyUpdate(ctx context.Context) error

	// Rollback reinstalls the backed up previous binary.
	Rollback(ctx context.Context) error

	// Restart restarts the process without touching the binary.
	Restart(ctx context.Context) error

	// GetStatus reports the current state and progress.
	GetStatus(ctx context.Context) *Status

	// IsEnabled is false when the startup permission check failed.
	IsEnabled() bool

	// DisabledReason says why updates are off, empty when enabled.
	DisabledReason() string

	// IsRestartPending reports whether this service asked the process to
	// restart. Shutdown paths consult it to re-exec instead of exiting.
	IsRestartPending() bool
}

// UpdateInfo describes the newest release found by a check.
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseNotes    string    `json:"release_notes"`
	ReleaseURL      string    `json:"release_url"`
	PublishedAt     time.Time `json:"published_at"`
	AssetSize       int       `json:"asset_size"`
	UpdateAvailable bool      `json:"update_available"`
}

// Status is a snapshot of the updater for the status endpoint.
type Status struct {
	State           State      `json:"state"`
	CurrentVersion  string     `json:"current_version"`
	TargetVersion   string     `json:"target_version,omitempty"`
	Progress        int        `json:"progress,omitempty"`
	Error           string     `json:"error,omitempty"`
	LastChecked     *time.Time `json:"last_checked,omitempty"`
	BackupAvailable bool       `json:"backup_available"`
	BackupVersion   string     `json:"backup_version,omitempty"`
}
