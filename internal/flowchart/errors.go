package flowchart

import "errors"

var (
	ErrNotFound      = errors.New("flowchart not found")
	ErrStaleVersion  = errors.New("stale version")
	ErrUnknownTarget = errors.New("unknown target")
	ErrInvalidOp     = errors.New("invalid op")
	ErrPersistence   = errors.New("persistence failure")
)

// Wire reasons carried by "rejected" and "error" events.
const (
	ReasonStaleVersion       = "StaleVersion"
	ReasonUnknownTarget      = "UnknownTarget"
	ReasonInvalidPayload     = "InvalidPayload"
	ReasonNotFound           = "NotFound"
	ReasonPersistenceFailure = "PersistenceFailure"
	ReasonNotJoined          = "NotJoined"
	ReasonAlreadyJoined      = "AlreadyJoined"
	ReasonInternal           = "Internal"
)

// Reason maps an error onto its wire reason. Every malformed op is reported
// to clients as UnknownTarget.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrStaleVersion):
		return ReasonStaleVersion
	case errors.Is(err, ErrUnknownTarget), errors.Is(err, ErrInvalidOp):
		return ReasonUnknownTarget
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrPersistence):
		return ReasonPersistenceFailure
	default:
		return ReasonInternal
	}
}
