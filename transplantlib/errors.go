package transplantlib

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRecipe           = errors.New("invalid recipe")
	ErrIncompatibleBase        = errors.New("runtime base is not compatible with builder base")
	ErrUnpinnedRequirement     = errors.New("requirement is not pinned")
	ErrInvalidToolchainVersion = errors.New("toolchain version must be an exact MAJOR.MINOR.PATCH version")
	ErrToolchainMismatch       = errors.New("installed toolchain version does not match pinned version")
	ErrInsecureTransport       = errors.New("insecure transport")
	ErrFetchFailed             = errors.New("fetch failed")
	ErrStepFailed              = errors.New("provisioning step failed")
	ErrStepOrder               = errors.New("provisioning step run out of order")
	ErrPrefixMissing           = errors.New("installation prefix missing")
	ErrPrefixModified          = errors.New("installation prefix modified after creation")
	ErrForbiddenPath           = errors.New("forbidden path present in image")
	ErrEngineNotAvailable      = errors.New("container engine not available")
)

// StepError is returned when a builder step fails, either because a command
// exited non-zero or because the engine itself failed.
type StepError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %s failed with exit code %d", e.Step, e.ExitCode)
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("step %s failed with exit code %d: %s", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStepFailed}
	}
	return []error{ErrStepFailed, e.Err}
}

// ForbiddenPathError lists every forbidden path found by an image audit.
type ForbiddenPathError struct {
	Paths []string
}

func (e *ForbiddenPathError) Error() string {
	return fmt.Sprintf("%s: %v", ErrForbiddenPath, e.Paths)
}

func (e *ForbiddenPathError) Unwrap() error { return ErrForbiddenPath }
