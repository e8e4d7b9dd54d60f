package resolver

import (
	"errors"
	"fmt"

	"taskcollab/api/internal/operation"
)

var (
	ErrLockConflict      = errors.New("lock conflict")
	ErrNotLockHolder     = errors.New("not the lock holder")
	ErrOverlapConflict   = errors.New("overlap conflict")
	ErrStaleFieldVersion = errors.New("stale field version")
)

// LockConflictError is returned when someone other than the originator holds
// the task lock.
type LockConflictError struct {
	Holder string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict: task is locked by %s", e.Holder)
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// OverlapConflictError is returned when a concurrent edit touched the same
// characters. The client refetches the field and re-derives its edit.
type OverlapConflictError struct {
	Field          operation.Field
	ConflictingOp  string
	CurrentVersion uint64
}

func (e *OverlapConflictError) Error() string {
	return fmt.Sprintf("overlap conflict: %s changed concurrently by %s (now v%d)", e.Field, e.ConflictingOp, e.CurrentVersion)
}

func (e *OverlapConflictError) Is(target error) bool {
	return target == ErrOverlapConflict
}

// StaleFieldVersionError is returned when an operation's base version cannot
// be transformed forward to the current version.
type StaleFieldVersionError struct {
	Field          operation.Field
	BaseVersion    uint64
	CurrentVersion uint64
}

func (e *StaleFieldVersionError) Error() string {
	return fmt.Sprintf("stale field version: %s based on v%d, current v%d", e.Field, e.BaseVersion, e.CurrentVersion)
}

func (e *StaleFieldVersionError) Is(target error) bool {
	return target == ErrStaleFieldVersion
}
