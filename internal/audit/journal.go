package audit

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"

	"github.com/nerrad567/homegate/internal/dispatch"
	"github.com/nerrad567/homegate/internal/registry"
)

// queueSize bounds the write queue. Entries beyond it are dropped so a slow
// disk never holds up a command.
const queueSize = 256

// Logger defines the logging interface used by the Journal.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Journal writes entries to a Repository from a single goroutine.
// Writes are best-effort.
type Journal struct {
	repo   Repository
	logger Logger
	queue  chan *Entry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewJournal creates a journal. Call Start before logging.
func NewJournal(repo Repository, logger Logger) *Journal {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Journal{
		repo:   repo,
		logger: logger,
		queue:  make(chan *Entry, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (j *Journal) Start() {
	j.startOnce.Do(func() { go j.drain() })
}

// Close stops the writer after flushing queued entries.
func (j *Journal) Close() {
	j.stopOnce.Do(func() {
		close(j.stop)
		j.Start()
		<-j.done
	})
}

// List reads entries back from the repository.
func (j *Journal) List(ctx context.Context, filter Filter) (*ListResult, error) {
	return j.repo.List(ctx, filter)
}

// Log queues e for writing.
func (j *Journal) Log(e *Entry) {
	select {
	case <-j.stop:
		return
	default:
	}
	select {
	case j.queue <- e:
	default:
		j.logger.Warn("audit queue full, dropping entry", "action", e.Action, "entity_type", e.EntityType)
	}
}

func (j *Journal) drain() {
	defer close(j.done)
	for {
		select {
		case e := <-j.queue:
			j.write(e)
		case <-j.stop:
			for {
				select {
				case e := <-j.queue:
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(e *Entry) {
	if err := j.repo.Create(context.Background(), e); err != nil {
		j.logger.Error("audit log write failed", "action", e.Action, "entity_type", e.EntityType, "error", err)
	}
}

// ActionnerRegistered journals a new actionner.
func (j *Journal) ActionnerRegistered(a registry.Actionner) {
	j.Log(&Entry{
		Action:     ActionRegister,
		EntityType: EntityActionner,
		EntityID:   strconv.FormatUint(uint64(a.ID), 10),
		Details: map[string]any{
			"protocol": a.Protocol,
			"name":     a.Name,
			"remote":   a.Remote,
		},
	})
}

// DeviceRegistered journals a new object.
func (j *Journal) DeviceRegistered(o registry.Object) {
	j.Log(&Entry{
		Action:     ActionRegister,
		EntityType: EntityDevice,
		EntityID:   strconv.FormatUint(uint64(o.ID), 10),
		Details: map[string]any{
			"name":            o.Name,
			"kind":            o.Kind,
			"kind_id":         o.KindID,
			"actionner_id":    o.ActionnerID,
			"id_in_actionner": o.IDInActionner,
		},
	})
}

// Record implements dispatch.Recorder.
func (j *Journal) Record(_ context.Context, r *dispatch.Result) {
	details := map[string]any{
		"command":     base64.StdEncoding.EncodeToString(r.Command),
		"attempts":    r.Attempts,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.ActionnerID != 0 {
		details["actionner_id"] = r.ActionnerID
		details["protocol"] = r.Protocol
	}
	if r.Err != nil {
		details["error"] = r.Err.Error()
	}
	j.Log(&Entry{
		Action:     ActionCommand,
		EntityType: EntityDevice,
		EntityID:   strconv.FormatUint(uint64(r.ObjectID), 10),
		Outcome:    r.OutcomeLabel(),
		Details:    details,
	})
}
