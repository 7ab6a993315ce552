package updater

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/systemd"
	"github.com/smazurov/llmpool/internal/version"
)

// responseDrainDelay is how long mutating endpoints get to flush their
// HTTP response before the restart tears the server down.
const responseDrainDelay = 500 * time.Millisecond

type service struct {
	repository     selfupdate.Repository
	repositorySlug string
	updater        *selfupdate.Updater
	backupManager  *backupManager
	logger         *slog.Logger

	enabled        bool
	disabledReason string

	mu             sync.RWMutex
	state          State
	latestRelease  *selfupdate.Release
	lastChecked    *time.Time
	lastError      error
	restartPending bool
}

// NewService creates the updater. It comes up disabled, not failed, when
// the binary's directory is read-only, so the rest of the server still runs.
func NewService(opts *Options) (Service, error) {
	logger := logging.GetLogger("updater")

	if reason := binaryWritableCheck(); reason != "" {
		logger.Warn("Update service disabled", "reason", reason)
		return &service{
			disabledReason: reason,
			state:          StateIdle,
			logger:         logger,
		}, nil
	}

	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	up, err := selfupdate.NewUpdater(selfupdate.Config{
		Source:     source,
		Prerelease: opts.Prerelease,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}

	backupMgr, err := newBackupManager(logger)
	if err != nil {
		logger.Warn("Failed to create backup manager", "error", err)
	}

	return &service{
		repository:     selfupdate.ParseSlug(opts.Repository),
		repositorySlug: opts.Repository,
		updater:        up,
		backupManager:  backupMgr,
		state:          StateIdle,
		enabled:        true,
		logger:         logger,
	}, nil
}

// binaryWritableCheck probes whether the executable's directory accepts
// writes. Returns the reason when it does not, empty when it does.
func binaryWritableCheck() string {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Sprintf("failed to get executable path: %v", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Sprintf("failed to resolve symlinks: %v", err)
	}

	dir := filepath.Dir(exe)
	f, err := os.CreateTemp(dir, ".llmpool.update-*")
	if err != nil {
		return fmt.Sprintf("no write permission to %s: %v", dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return ""
}

func (s *service) IsEnabled() bool {
	return s.enabled
}

func (s *service) DisabledReason() string {
	return s.disabledReason
}

// CheckForUpdate asks the release feed for the newest version and
// remembers it for a later ApplyUpdate. Nothing is downloaded.
func (s *service) CheckForUpdate(ctx context.Context) (*UpdateInfo, error) {
	if !s.enabled {
		return nil, newError(ErrCodeDisabled, s.disabledReason, nil)
	}
	if !s.transitionTo(StateChecking, StateIdle, StateAvailable, StateError) {
		return nil, newError(ErrCodeInvalidState,
			fmt.Sprintf("cannot check for updates in state %s", s.getState()), nil)
	}

	release, found, err := s.updater.DetectLatest(ctx, s.repository)
	if err != nil {
		s.setError(err)
		return nil, newError(ErrCodeCheckFailed, "release check failed", err)
	}
	s.markChecked()

	if !found {
		s.setError(fmt.Errorf("no releases found for %s", s.repositorySlug))
		return nil, newError(ErrCodeNotFound, "no releases found for repository", nil)
	}

	current := version.Version
	info := &UpdateInfo{
		CurrentVersion: current,
		LatestVersion:  release.Version(),
	}

	// A dev build never outranks a tagged release.
	if current != "dev" && !release.GreaterThan(current) {
		s.transitionTo(StateIdle)
		return info, nil
	}

	s.mu.Lock()
	s.latestRelease = release
	s.mu.Unlock()
	s.transitionTo(StateAvailable)

	info.ReleaseNotes = release.ReleaseNotes
	info.ReleaseURL = release.URL
	info.PublishedAt = release.PublishedAt
	info.AssetSize = release.AssetByteSize
	info.UpdateAvailable = true
	return info, nil
}

// ApplyUpdate backs up the current binary, swaps in the newest release,
// and schedules a restart. A failed swap rolls back automatically.
func (s *service) ApplyUpdate(ctx context.Context) error {
	if !s.enabled {
		return newError(ErrCodeDisabled, s.disabledReason, nil)
	}

	// Callers may apply without an explicit check first.
	if s.getState() == StateIdle {
		info, err := s.CheckForUpdate(ctx)
		if err != nil {
			return err
		}
		if !info.UpdateAvailable {
			return newError(ErrCodeNoUpdate, "no update available", nil)
		}
	}

	if !s.transitionTo(StateDownloading, StateAvailable) {
		return newError(ErrCodeInvalidState,
			fmt.Sprintf("cannot apply update in state %s", s.getState()), nil)
	}

	if s.backupManager != nil {
		if err := s.backupManager.createBackup(); err != nil {
			s.setError(err)
			return newError(ErrCodeBackupFailed, "failed to create backup", err)
		}
	}

	s.transitionTo(StateApplying)

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		s.setError(err)
		s.attemptRollback()
		return newError(ErrCodeApplyFailed, "failed to get executable path", err)
	}

	s.mu.RLock()
	release := s.latestRelease
	s.mu.RUnlock()

	if err := s.updater.UpdateTo(ctx, release, exe); err != nil {
		s.setError(err)
		s.attemptRollback()
		return newError(ErrCodeApplyFailed, "failed to apply update", err)
	}

	s.transitionTo(StateRestarting)
	s.logger.Info("Update applied successfully, triggering restart",
		"version", release.Version())
	s.restartSoon()
	return nil
}

// Rollback swaps the backed up binary back in and schedules a restart.
func (s *service) Rollback(_ context.Context) error {
	if !s.enabled {
		return newError(ErrCodeDisabled, s.disabledReason, nil)
	}
	if s.backupManager == nil || !s.backupManager.hasBackup() {
		return newError(ErrCodeNoBackup, "no backup available for rollback", nil)
	}
	if err := s.backupManager.restore(); err != nil {
		return newError(ErrCodeRollbackFailed, "failed to restore backup", err)
	}

	s.transitionTo(StateRolledBack)
	s.logger.Info("Rollback completed, triggering restart")
	s.restartSoon()
	return nil
}

// Restart schedules a restart without touching the binary.
func (s *service) Restart(_ context.Context) error {
	s.logger.Info("Restart requested")
	s.restartSoon()
	return nil
}

// GetStatus snapshots the updater for the status endpoint.
func (s *service) GetStatus(_ context.Context) *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{
		State:          s.state,
		CurrentVersion: version.Version,
		LastChecked:    s.lastChecked,
	}
	if s.latestRelease != nil {
		status.TargetVersion = s.latestRelease.Version()
	}
	if s.lastError != nil {
		status.Error = s.lastError.Error()
	}
	if s.backupManager != nil {
		status.BackupAvailable = s.backupManager.hasBackup()
		status.BackupVersion = s.backupManager.backupVersion()
	}
	return status
}

// transitionTo moves to next when the current state is one of from, or
// unconditionally when from is empty. Entering a state clears the sticky
// error from a previous failure.
func (s *service) transitionTo(next State, from ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(from) > 0 && !slices.Contains(from, s.state) {
		return false
	}
	s.logger.Debug("State transition", "from", s.state, "to", next)
	s.state = next
	s.lastError = nil
	return true
}

func (s *service) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *service) markChecked() {
	now := time.Now()
	s.mu.Lock()
	s.lastChecked = &now
	s.mu.Unlock()
}

func (s *service) setError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.state = StateError
	s.mu.Unlock()
}

// attemptRollback restores the backup after a failed apply. Best effort,
// the apply error is what the caller sees.
func (s *service) attemptRollback() {
	if s.backupManager == nil || !s.backupManager.hasBackup() {
		s.logger.Error("No backup available for automatic rollback")
		return
	}
	if err := s.backupManager.restore(); err != nil {
		s.logger.Error("Failed to restore backup", "error", err)
		return
	}
	s.transitionTo(StateRolledBack)
	s.logger.Info("Automatic rollback completed")
}

// restartSoon triggers the restart once the pending HTTP response has had
// time to reach the client.
func (s *service) restartSoon() {
	go func() {
		time.Sleep(responseDrainDelay)
		s.triggerRestart()
	}()
}

// triggerRestart hands the process over to the new binary. When the
// llmpool unit is active a systemd restart keeps supervision intact;
// otherwise SIGTERM starts the normal shutdown, and the shutdown path
// re-execs because a restart is pending.
func (s *service) triggerRestart() {
	s.mu.Lock()
	s.restartPending = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if mgr, err := systemd.NewManager(ctx); err == nil {
		defer mgr.Close()
		if mgr.IsActive(ctx, systemd.UnitName) {
			s.logger.Info("Restarting via systemd", "unit", systemd.UnitName)
			if err := mgr.RestartService(ctx, systemd.UnitName); err == nil {
				return
			}
			s.logger.Warn("Unit restart failed, falling back to SIGTERM", "error", err)
		}
	}

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		s.logger.Error("Failed to find own process", "error", err)
		return
	}
	s.logger.Info("Sending SIGTERM to trigger restart")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Error("Failed to send SIGTERM", "error", err)
	}
}

// IsRestartPending reports whether this service asked for a restart.
func (s *service) IsRestartPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartPending
}

// ReExec replaces the current process with the binary at its own path,
// keeping arguments and environment. Called at the end of shutdown when
// a restart is pending and no supervisor will bring the process back.
func ReExec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
