package dispatch

import (
	"time"

	"github.com/nerrad567/homegate/internal/fault"
)

// State is one step of a command's lifecycle.
type State int

const (
	Resolving State = iota
	Connecting
	Sending
	AwaitingReply
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Sending:
		return "sending"
	case AwaitingReply:
		return "awaiting_reply"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result describes one finished command.
type Result struct {
	ObjectID    uint32 `json:"object_id"`
	ActionnerID uint32 `json:"actionner_id,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Target      string `json:"target,omitempty"`

	Command []byte `json:"command"`
	Reply   []byte `json:"reply,omitempty"`

	// Trace lists every state entered, in order. The last entry is
	// Completed or Failed.
	Trace    []State       `json:"trace"`
	Attempts int           `json:"attempts"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	// Outcome is meaningful only when Err is set.
	Outcome fault.Kind `json:"-"`
	Err     error      `json:"-"`
}

// State returns the terminal state.
func (r *Result) State() State {
	if len(r.Trace) == 0 {
		return Resolving
	}
	return r.Trace[len(r.Trace)-1]
}

// OutcomeLabel is "ok" for completed commands and the fault kind name
// otherwise.
func (r *Result) OutcomeLabel() string {
	if r.Err == nil {
		return "ok"
	}
	return r.Outcome.String()
}

func (r *Result) enter(s State) {
	r.Trace = append(r.Trace, s)
}
