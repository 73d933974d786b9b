package nats

import "github.com/nerrad567/homegate/internal/fault"

// ErrInvalidSubject is returned for targets that are not a single subject token.
var ErrInvalidSubject = fault.New("nats: invalid subject token", fault.ErrInvalidArgument)
