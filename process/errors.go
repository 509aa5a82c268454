package process

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictingOperation is returned by Start while a Stop is in flight.
	ErrConflictingOperation = errors.New("conflicting operation: stop in progress")
	// ErrSpawnFailed matches every *SpawnError.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrExitedDuringStartup is wrapped in a SpawnError when the child dies within the grace interval.
	ErrExitedDuringStartup = errors.New("process exited during startup")
)

// SpawnError reports that the child could not be brought up. The supervisor stays stopped.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning process: %s", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }
