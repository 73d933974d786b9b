// Package dispatch executes commands against registered objects.
//
// A command walks a short state machine:
//
//	Resolving -> Connecting -> Sending -> AwaitingReply -> Completed
//	                                 \-> Failed (from any state)
//
// Resolution goes through the registry; connections come from the shared
// transport pool. A failure to connect or to write the command is retried
// exactly once after invalidating the pooled connection. Once a command has
// been written it is never resent: a reply timeout or a dropped connection
// fails the command, because the actionner may already have acted on it.
//
// Every command, successful or not, produces a Result that is handed to the
// configured Recorders (metrics, telemetry, audit journal, event stream).
package dispatch
