// Package updater keeps the running binary current. It checks the release
// feed, swaps in downloaded builds, and holds one previous binary for
// rollback.
package updater

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/smazurov/llmpool/internal/version"
)

const (
	backupBinName  = "llmpool.backup"
	backupMetaName = "backup.json"
)

// backupMeta records what the saved binary was when it was captured.
type backupMeta struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	ExecPath  string    `json:"exec_path"`
}

// backupManager keeps at most one saved binary under the cache directory.
type backupManager struct {
	mu     sync.RWMutex
	dir    string
	meta   *backupMeta
	logger *slog.Logger
}

func newBackupManager(logger *slog.Logger) (*backupManager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	dir := filepath.Join(home, ".cache", "llmpool", "backup")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	mgr := &backupManager{dir: dir, logger: logger}
	mgr.loadMeta()
	return mgr, nil
}

// loadMeta picks up a backup left by a previous run. A metadata file whose
// binary is gone is treated as no backup.
func (m *backupManager) loadMeta() {
	data, err := os.ReadFile(filepath.Join(m.dir, backupMetaName))
	if err != nil {
		return
	}

	var meta backupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		m.logger.Warn("Failed to parse backup info", "error", err)
		return
	}

	binPath := filepath.Join(m.dir, backupBinName)
	if _, err := os.Stat(binPath); err != nil {
		m.logger.Warn("Backup file missing", "path", binPath)
		return
	}

	m.mu.Lock()
	m.meta = &meta
	m.mu.Unlock()

	m.logger.Info("Loaded backup info", "version", meta.Version)
}

// createBackup snapshots the running executable before an update replaces it.
func (m *backupManager) createBackup() error {
	execPath, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	binPath := filepath.Join(m.dir, backupBinName)
	if err := copyFile(binPath, execPath); err != nil {
		return fmt.Errorf("failed to snapshot executable: %w", err)
	}

	meta := backupMeta{
		Version:   version.Version,
		CreatedAt: time.Now(),
		ExecPath:  execPath,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal backup info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, backupMetaName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup info: %w", err)
	}

	m.mu.Lock()
	m.meta = &meta
	m.mu.Unlock()

	m.logger.Info("Backup created", "version", meta.Version, "path", binPath)
	return nil
}

// restore puts the saved binary back at its original path. The new file is
// staged next to the target and renamed over it, since the target is usually
// the executable of this very process and cannot be opened for writing.
func (m *backupManager) restore() error {
	m.mu.RLock()
	meta := m.meta
	m.mu.RUnlock()

	if meta == nil {
		return fmt.Errorf("no backup available")
	}

	stage := meta.ExecPath + ".rollback"
	if err := copyFile(stage, filepath.Join(m.dir, backupBinName)); err != nil {
		return fmt.Errorf("failed to stage backup: %w", err)
	}
	if err := os.Rename(stage, meta.ExecPath); err != nil {
		os.Remove(stage)
		return fmt.Errorf("failed to swap in backup: %w", err)
	}

	m.logger.Info("Backup restored", "version", meta.Version)
	return nil
}

func (m *backupManager) hasBackup() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta != nil
}

func (m *backupManager) backupVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.meta == nil {
		return ""
	}
	return m.meta.Version
}

// copyFile writes src's contents to dst with executable permissions,
// truncating any existing file.
func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
