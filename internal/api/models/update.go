package models

import "time"

// UpdateCheckData describes the release found by an update check.
type UpdateCheckData struct {
	CurrentVersion  string    `json:"current_version" example:"1.0.0" doc:"Currently installed version"`
	LatestVersion   string    `json:"latest_version" example:"1.1.0" doc:"Newest published version"`
	ReleaseNotes    string    `json:"release_notes" doc:"Markdown release notes"`
	ReleaseURL      string    `json:"release_url" doc:"URL to the release page"`
	PublishedAt     time.Time `json:"published_at" doc:"When the release was published"`
	AssetSize       int       `json:"asset_size" example:"5242880" doc:"Download size in bytes"`
	UpdateAvailable bool      `json:"update_available" example:"true" doc:"Whether a newer build exists"`
}

// UpdateCheckResponse wraps UpdateCheckData for API responses.
type UpdateCheckResponse struct {
	Body UpdateCheckData
}

// UpdateStatusData is the updater's state machine position and progress.
type UpdateStatusData struct {
	State           string     `json:"state" example:"idle" doc:"Current update state"`
	CurrentVersion  string     `json:"current_version" example:"1.0.0" doc:"Current version"`
	TargetVersion   string     `json:"target_version,omitempty" example:"1.1.0" doc:"Version being installed"`
	Progress        int        `json:"progress,omitempty" example:"45" doc:"Progress percentage (0-100)"`
	Error           string     `json:"error,omitempty" doc:"Error message if in error state"`
	LastChecked     *time.Time `json:"last_checked,omitempty" doc:"When updates were last checked"`
	BackupAvailable bool       `json:"backup_available" example:"true" doc:"Whether a rollback target exists"`
	BackupVersion   string     `json:"backup_version,omitempty" example:"1.0.0" doc:"Version held in backup"`
}

// UpdateStatusResponse wraps UpdateStatusData for API responses.
type UpdateStatusResponse struct {
	Body UpdateStatusData
}

// UpdateActionData acknowledges an apply, rollback, or restart request.
// The action itself completes asynchronously after the response is sent.
type UpdateActionData struct {
	Message string `json:"message" example:"update staged, restarting" doc:"Acknowledgement message"`
}

// UpdateActionResponse wraps UpdateActionData for API responses.
type UpdateActionResponse struct {
	Body UpdateActionData
}
