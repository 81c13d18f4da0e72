package service

import "errors"

// Errors returned to callers across the service layer. Handlers map
// these onto HTTP status codes.
var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceExists     = errors.New("device already registered")
	ErrFirmwareNotFound = errors.New("firmware not found")
	ErrRolloutNotFound  = errors.New("rollout not found")
	ErrConfigNotFound   = errors.New("config not found")
	ErrCommandNotFound  = errors.New("command not found")

	// ErrAlreadyUpdating is returned when a MAC already has an update in flight
	ErrAlreadyUpdating = errors.New("device update already in progress")
	// ErrDuplicateRecent is returned when the same version was deployed to
	// the MAC within the duplicate suppression window
	ErrDuplicateRecent = errors.New("duplicate update suppressed")

	// ErrNoPreviousVersion is returned by rollback when there is nothing to roll back to
	ErrNoPreviousVersion = errors.New("no previous version to roll back to")
	// ErrRolloutNotActive is returned when advancing or pausing a rollout in a terminal state
	ErrRolloutNotActive = errors.New("rollout is not active")
	// ErrInvalidStages is returned for a stage ladder that is not a
	// non-decreasing sequence within 1-100 ending at 100
	ErrInvalidStages = errors.New("stage percentages must be non-decreasing, within 1-100, and end at 100")

	// ErrInvalidReport is returned for a report with an unknown status value
	ErrInvalidReport = errors.New("invalid report status")
)
