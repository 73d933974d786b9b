package dispatch

import "github.com/nerrad567/homegate/internal/fault"

// Domain errors for the dispatch package.
var (
	// ErrNoReply is returned when the actionner did not answer within the
	// command timeout. The command may have been executed.
	ErrNoReply = fault.New("dispatch: no reply before timeout", fault.ErrTimeout)

	// ErrCancelled is returned when the caller gave up. The command may
	// have been executed if it was already sent.
	ErrCancelled = fault.New("dispatch: cancelled", fault.ErrCancelled)
)
