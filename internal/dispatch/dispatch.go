package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/registry"
	"github.com/nerrad567/homegate/internal/transport"
)

// Defaults for Options.
const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultRetryDelay     = 100 * time.Millisecond

	// maxTries is the first attempt plus one retry.
	maxTries = 2
)

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Resolver maps an object id to the object and its actionner.
type Resolver interface {
	Resolve(objectID uint32) (registry.Object, registry.Actionner, error)
	GetActionner(id uint32) (registry.Actionner, error)
}

// Pool hands out shared connections.
type Pool interface {
	Acquire(ctx context.Context, protocol, remote string) (*transport.Handle, error)
	Invalidate(h *transport.Handle, cause error)
}

// Recorder is told about every finished command. Record is called
// synchronously on the dispatching goroutine and should return quickly.
type Recorder interface {
	Record(ctx context.Context, r *Result)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, r *Result)

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, r *Result) { f(ctx, r) }

// Options configures a Dispatcher.
type Options struct {
	// CommandTimeout bounds each attempt from sending to the reply,
	// including any wait behind earlier calls on the same connection.
	// Zero means 5s.
	CommandTimeout time.Duration
	// RetryDelay is the pause before the single retry. Zero means 100ms.
	RetryDelay time.Duration
	Logger     Logger
	Recorders  []Recorder
}

// Dispatcher runs commands. It is safe for concurrent use.
type Dispatcher struct {
	resolver  Resolver
	pool      Pool
	timeout   time.Duration
	retry     time.Duration
	logger    Logger
	recorders []Recorder
}

// New creates a dispatcher.
func New(resolver Resolver, pool Pool, opts Options) *Dispatcher {
	d := &Dispatcher{
		resolver:  resolver,
		pool:      pool,
		timeout:   cmp.Or(opts.CommandTimeout, DefaultCommandTimeout),
		retry:     cmp.Or(opts.RetryDelay, DefaultRetryDelay),
		logger:    opts.Logger,
		recorders: opts.Recorders,
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	return d
}

// AddRecorder registers r. It must be called before the dispatcher is
// shared.
func (d *Dispatcher) AddRecorder(r Recorder) {
	d.recorders = append(d.recorders, r)
}

// Command sends command to the object and returns its reply verbatim.
//
// The returned Result is never nil. On failure err carries one fault kind:
// NotFound (no such object, nothing dialled), Unavailable (could not
// connect, write failed twice, the link dropped, or the actionner reported
// an error), Timeout (no reply in time), Cancelled (ctx ended first) or
// InvalidArgument (the driver refused the command or target).
func (d *Dispatcher) Command(ctx context.Context, objectID uint32, command []byte) (*Result, error) {
	res := &Result{
		ObjectID: objectID,
		Command:  append([]byte(nil), command...),
		Started:  time.Now(),
	}

	reply, err := d.run(ctx, res)
	res.Duration = time.Since(res.Started)
	if err != nil {
		res.Err = err
		res.Outcome = fault.KindOf(err)
		res.enter(Failed)
	} else {
		res.Reply = reply
		res.enter(Completed)
	}

	d.log(res)
	for _, r := range d.recorders {
		r.Record(ctx, res)
	}
	return res, err
}

func (d *Dispatcher) run(ctx context.Context, res *Result) ([]byte, error) {
	res.enter(Resolving)
	obj, act, err := d.resolver.Resolve(res.ObjectID)
	if err != nil {
		return nil, err
	}
	res.ActionnerID = act.ID
	res.Protocol = act.Protocol
	res.Remote = act.Remote
	res.Target = obj.IDInActionner

	reply, err := backoff.Retry(ctx,
		func() ([]byte, error) { return d.attempt(ctx, res, act, obj.IDInActionner) },
		backoff.WithBackOff(backoff.NewConstantBackOff(d.retry)),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.logger.Warn("command attempt failed, retrying",
				"object_id", res.ObjectID, "protocol", act.Protocol, "remote", act.Remote,
				"error", err, "retry_in", wait)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, d.classify(ctx, err)
	}
	return reply, nil
}

// attempt runs Connecting, Sending and AwaitingReply once. Errors that must
// not lead to a resend are returned as permanent.
func (d *Dispatcher) attempt(ctx context.Context, res *Result, act registry.Actionner, target string) ([]byte, error) {
	res.Attempts++

	res.enter(Connecting)
	h, err := d.pool.Acquire(ctx, act.Protocol, act.Remote)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, transport.ErrNoDriver) || errors.Is(err, transport.ErrPoolClosed) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	// The command timeout covers the wait for a free send slot as well as
	// the reply.
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res.enter(Sending)
	pending, err := h.Send(cctx, target, res.Command)
	if err != nil {
		if cctx.Err() != nil || fault.Is(err, fault.InvalidArgument) {
			return nil, backoff.Permanent(d.timedOut(ctx, err, act))
		}
		d.pool.Invalidate(h, err)
		return nil, err
	}

	res.enter(AwaitingReply)
	reply, err := pending.Reply(cctx)
	if err != nil {
		if errors.Is(err, transport.ErrDisconnected) {
			d.pool.Invalidate(h, err)
		}
		return nil, backoff.Permanent(d.timedOut(ctx, err, act))
	}
	return reply, nil
}

// timedOut reports a deadline hit by the command timeout, rather than the
// caller's, as ErrNoReply.
func (d *Dispatcher) timedOut(ctx context.Context, err error, act registry.Actionner) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s after %v", ErrNoReply, act.Protocol, act.Remote, d.timeout)
	}
	return err
}

// classify maps caller cancellation onto the dispatch sentinels so the
// outcome does not depend on which layer noticed it first.
func (d *Dispatcher) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrNoReply) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrNoReply, err)
		}
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

func (d *Dispatcher) log(res *Result) {
	if res.Err == nil {
		d.logger.Debug("command completed",
			"object_id", res.ObjectID, "protocol", res.Protocol, "attempts", res.Attempts,
			"duration", res.Duration)
		return
	}

	args := []any{
		"object_id", res.ObjectID, "protocol", res.Protocol, "remote", res.Remote,
		"outcome", res.Outcome.String(), "attempts", res.Attempts, "error", res.Err,
	}
	switch res.Outcome {
	case fault.NotFound, fault.InvalidArgument, fault.Cancelled:
		d.logger.Debug("command rejected", args...)
	default:
		d.logger.Warn("command failed", args...)
	}
}

// Warm dials the actionner's connection ahead of its first command.
func (d *Dispatcher) Warm(ctx context.Context, actionnerID uint32) error {
	act, err := d.resolver.GetActionner(actionnerID)
	if err != nil {
		return err
	}
	if _, err := d.pool.Acquire(ctx, act.Protocol, act.Remote); err != nil {
		return err
	}
	d.logger.Debug("actionner connection warmed", "actionner_id", act.ID, "protocol", act.Protocol)
	return nil
}
