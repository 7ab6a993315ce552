package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirName = "llmpool"

	// SocketName is the Unix socket filename inside the state dir.
	SocketName = "llmpool.sock"

	// LockName is the leadership lockfile filename inside the state dir.
	LockName = "llmpool.lock"
)

// StateDir returns the per-user runtime directory that holds the socket
// and the lockfile. Prefers $XDG_RUNTIME_DIR, which is tmpfs-backed and
// cleared on logout, falling back to a uid-scoped temp dir.
func StateDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, dirName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", dirName, os.Getuid()))
}

// SocketPath returns the full path of the pool server's Unix socket.
func SocketPath() string {
	return filepath.Join(StateDir(), SocketName)
}

// LockPath returns the full path of the leadership lockfile.
func LockPath() string {
	return filepath.Join(StateDir(), LockName)
}
