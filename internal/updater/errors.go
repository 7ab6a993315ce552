package updater

import "fmt"

// Code classifies update failures so HTTP handlers can map them to a
// status without matching on message text.
type Code string

const (
	ErrCodeInvalidState   Code = "INVALID_STATE" // operation not legal in the current state
	ErrCodeCheckFailed    Code = "CHECK_FAILED"
	ErrCodeNoUpdate       Code = "NO_UPDATE"  // apply requested with nothing newer published
	ErrCodeNotFound       Code = "NOT_FOUND"  // repository missing or has no releases
	ErrCodeDownloadFailed Code = "DOWNLOAD_FAILED"
	ErrCodeApplyFailed    Code = "APPLY_FAILED"
	ErrCodeBackupFailed   Code = "BACKUP_FAILED"
	ErrCodeRollbackFailed Code = "ROLLBACK_FAILED"
	ErrCodeNoBackup       Code = "NO_BACKUP" // rollback requested with no backup on disk
	ErrCodeDisabled       Code = "DISABLED"
)

// Error is an update failure with its classification code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
