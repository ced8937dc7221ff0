package domain

import "errors"

var (
	// ErrPermissionDenied means the user has to act before tracking can start.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidSample marks coordinates that are not finite or out of range.
	ErrInvalidSample = errors.New("invalid location sample")
	// ErrTransientDelivery wraps remote failures that are queued for replay.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrStaleSession means the server no longer accepts the session reference.
	ErrStaleSession = errors.New("stale driver session")
	// ErrSuperseded means the remote store already holds a newer position,
	// so the update changed nothing.
	ErrSuperseded = errors.New("location superseded by a newer sample")
	// ErrTrackingUnrecoverable is raised when session recovery did not help.
	ErrTrackingUnrecoverable = errors.New("tracking unrecoverable")

	ErrConfiguration     = errors.New("configuration fault")
	ErrNoVehicleAssigned = errors.New("no vehicle assigned")
	ErrTripInProgress    = errors.New("trip already in progress")
	ErrLoggedOut         = errors.New("driver logged out")
	ErrPingTransition    = errors.New("ping status transition not allowed")
)
