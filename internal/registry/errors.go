package registry

import "github.com/nerrad567/homegate/internal/fault"

// Domain errors for the registry package. Each wraps a fault kind so the
// API layer can map it without knowing the package.
var (
	// ErrObjectNotFound is returned when an object id does not exist.
	ErrObjectNotFound = fault.New("registry: object not found", fault.ErrNotFound)

	// ErrActionnerNotFound is returned when an actionner id does not exist.
	ErrActionnerNotFound = fault.New("registry: actionner not found", fault.ErrNotFound)

	// ErrProtocolNotFound is returned when registering an actionner for an
	// unknown protocol.
	ErrProtocolNotFound = fault.New("registry: protocol not found", fault.ErrNotFound)

	// ErrKindRequired is returned when a device has neither a kind label
	// nor a kind id.
	ErrKindRequired = fault.New("registry: kind or kind id required", fault.ErrInvalidArgument)

	// ErrNoKindID is returned when no derived kind id is left. Callers can
	// still register devices with an explicit kind id.
	ErrNoKindID = fault.New("registry: no kind id left for a new label", fault.ErrInvalidArgument)

	// ErrExists is returned by repositories when a row id is already taken.
	ErrExists = fault.New("registry: already exists", fault.ErrAlreadyExists)
)
