package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/ids"
	"github.com/nerrad567/homegate/internal/protocol"
)

// Logger defines the logging interface used by the Registry.
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

// NewObject is the input to RegisterDevice.
//
// KindID is optional. When zero the id is derived from Kind: known labels
// reuse their id, new labels get a fresh one. The registry never stores a
// device with kind id 0.
type NewObject struct {
	Name          string
	Kind          string
	KindID        uint32
	ActionnerID   uint32
	IDInActionner string
}

type pairKey struct {
	actionner uint32
	target    string
}

// Registry owns the actionner, object and kind tables.
//
// Tables are id-ordered slices searched by binary search. Rows are only
// ever appended, so a copy taken under the read lock is a consistent
// snapshot. Persistence happens before a row is published and outside the
// table lock.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	catalog *protocol.Catalog
	alloc   *ids.Allocator
	logger  Logger

	mu         sync.RWMutex
	actionners []Actionner
	objects    []Object
	kinds      []Kind
	kindByName map[string]uint32
	kindNames  map[uint32]string
	pairs      map[pairKey]uint32

	// kindMu serialises creation of new kind labels so two devices of a
	// new kind registered together share one kind id.
	kindMu sync.Mutex
}

// New creates a registry over catalog. A nil repo keeps everything in
// memory.
func New(catalog *protocol.Catalog, alloc *ids.Allocator, repo Repository) *Registry {
	if repo == nil {
		repo = memoryRepository{}
	}
	r := &Registry{
		repo:    repo,
		catalog: catalog,
		alloc:   alloc,
		logger:  noopLogger{},
	}
	r.reset(nil, nil, nil)
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Catalog returns the protocol catalog actionners are validated against.
func (r *Registry) Catalog() *protocol.Catalog {
	return r.catalog
}

// reset replaces every table. Callers must not hold r.mu.
func (r *Registry) reset(actionners []Actionner, objects []Object, kinds []Kind) {
	kindByName := map[string]uint32{KindLED.Name: KindLED.ID}
	kindNames := map[uint32]string{KindLED.ID: KindLED.Name}
	allKinds := []Kind{KindLED}
	for _, k := range kinds {
		if _, ok := kindNames[k.ID]; ok {
			continue
		}
		kindByName[kindKey(k.Name)] = k.ID
		kindNames[k.ID] = k.Name
		allKinds = append(allKinds, k)
	}
	slices.SortFunc(allKinds, func(a, b Kind) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(actionners, func(a, b Actionner) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(objects, func(a, b Object) int { return cmp.Compare(a.ID, b.ID) })

	pairs := make(map[pairKey]uint32, len(objects))
	for _, o := range objects {
		pairs[pairKey{o.ActionnerID, o.IDInActionner}] = o.ID
	}

	r.mu.Lock()
	r.actionners = actionners
	r.objects = objects
	r.kinds = allKinds
	r.kindByName = kindByName
	r.kindNames = kindNames
	r.pairs = pairs
	r.mu.Unlock()

	r.alloc.Advance(ids.Kind, KindLED.ID)
}

// Load rebuilds the tables from the repository and advances the allocator
// past every persisted actionner and object id. Kind ids are not advanced:
// new kinds skip the ids already taken. Load should be called once on
// startup, before the registry is shared.
//
// Actionners whose protocol is not in the catalog (a driver was removed
// since they were registered) get a driverless catalog entry so the
// protocol invariant holds; commands to them fail as unavailable.
func (r *Registry) Load(ctx context.Context) error {
	kinds, err := r.repo.ListKinds(ctx)
	if err != nil {
		return fmt.Errorf("loading kinds: %w", err)
	}
	actionners, err := r.repo.ListActionners(ctx)
	if err != nil {
		return fmt.Errorf("loading actionners: %w", err)
	}
	objects, err := r.repo.ListObjects(ctx)
	if err != nil {
		return fmt.Errorf("loading objects: %w", err)
	}

	// Actionners first: objects are checked against them below.
	known := make(map[uint32]bool, len(actionners))
	for i, a := range actionners {
		known[a.ID] = true
		r.alloc.Advance(ids.Actionner, a.ID)
		p, err := r.catalog.Get(a.Protocol)
		if err == nil {
			actionners[i].Protocol = p.Name
			continue
		}
		r.logger.Warn("actionner references unknown protocol, registering it without a driver",
			"actionner_id", a.ID, "protocol", a.Protocol)
		if err := r.catalog.Register(protocol.Protocol{
			Name:        a.Protocol,
			Description: "restored from storage; no driver loaded",
		}); err != nil {
			return fmt.Errorf("restoring protocol %q: %w", a.Protocol, err)
		}
	}
	for _, o := range objects {
		r.alloc.Advance(ids.Device, o.ID)
		if !known[o.ActionnerID] {
			return fmt.Errorf("object %d: %w: %d", o.ID, ErrActionnerNotFound, o.ActionnerID)
		}
	}
	r.reset(actionners, objects, kinds)
	r.logger.Info("registry loaded",
		"actionners", len(actionners),
		"objects", len(objects),
		"kinds", len(kinds)+1)
	return nil
}

// RegisterActionner adds an actionner speaking proto at remote.
// Returns ErrProtocolNotFound if proto is not in the catalog.
func (r *Registry) RegisterActionner(ctx context.Context, proto, name, remote string) (Actionner, error) {
	// Validate before allocating so a typo never burns an id.
	p, err := r.catalog.Get(proto)
	if err != nil {
		return Actionner{}, fmt.Errorf("%w: %q", ErrProtocolNotFound, proto)
	}

	id, err := r.alloc.Next(ids.Actionner)
	if err != nil {
		return Actionner{}, err
	}

	a := Actionner{
		ID:        id,
		Protocol:  p.Name,
		Name:      name,
		Remote:    remote,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.repo.CreateActionner(ctx, &a); err != nil {
		return Actionner{}, fmt.Errorf("persisting actionner %d: %w", id, err)
	}

	r.mu.Lock()
	r.actionners = insertByID(r.actionners, a, actionnerID)
	r.mu.Unlock()

	r.logger.Info("actionner registered", "id", a.ID, "protocol", a.Protocol, "name", a.Name, "remote", a.Remote)
	return a, nil
}

// RegisterDevice adds an object owned by in.ActionnerID.
// Returns ErrActionnerNotFound, without touching the object table, if the
// actionner does not exist. Duplicate (actionner, id_in_actionner) pairs
// are accepted and logged.
//
// A new kind label is created before the object is persisted. If the
// object then fails to persist the kind stays, like a burned object id,
// and later devices with that label reuse it.
func (r *Registry) RegisterDevice(ctx context.Context, in NewObject) (Object, error) {
	// Check the owner under the read lock only
	r.mu.RLock()
	_, found := findByID(r.actionners, in.ActionnerID, actionnerID)
	dupOf, dup := r.pairs[pairKey{in.ActionnerID, in.IDInActionner}]
	r.mu.RUnlock()

	if !found {
		return Object{}, fmt.Errorf("%w: %d", ErrActionnerNotFound, in.ActionnerID)
	}

	// Resolve the kind first so a bad kind never burns an object id.
	kindID, err := r.resolveKind(ctx, in.Kind, in.KindID)
	if err != nil {
		return Object{}, err
	}
	label := in.Kind
	if strings.TrimSpace(label) == "" {
		r.mu.RLock()
		label = r.kindNames[kindID]
		r.mu.RUnlock()
	}

	id, err := r.alloc.Next(ids.Device)
	if err != nil {
		return Object{}, err
	}

	o := Object{
		ID:            id,
		Name:          in.Name,
		Kind:          label,
		KindID:        kindID,
		ActionnerID:   in.ActionnerID,
		IDInActionner: in.IDInActionner,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.repo.CreateObject(ctx, &o); err != nil {
		return Object{}, fmt.Errorf("persisting object %d: %w", id, err)
	}

	// Publish only once the row is durable.
	r.mu.Lock()
	r.objects = insertByID(r.objects, o, objectID)
	r.pairs[pairKey{o.ActionnerID, o.IDInActionner}] = o.ID
	r.mu.Unlock()

	if dup {
		r.logger.Warn("device shares its actionner address with another device",
			"id", o.ID, "other_id", dupOf, "actionner_id", o.ActionnerID, "id_in_actionner", o.IDInActionner)
	}
	r.logger.Info("device registered", "id", o.ID, "name", o.Name, "kind", o.Kind, "kind_id", o.KindID,
		"actionner_id", o.ActionnerID)
	return o, nil
}

// resolveKind returns the kind id for label, creating the label when new.
//
// Explicit ids are stored as given and never move the kind sequence, so a
// caller cannot use them to run it out. Derived ids skip any id already
// taken.
func (r *Registry) resolveKind(ctx context.Context, label string, explicit uint32) (uint32, error) {
	key := kindKey(label)

	r.kindMu.Lock()
	defer r.kindMu.Unlock()

	r.mu.RLock()
	known, labelKnown := r.kindByName[key]
	_, idTaken := r.kindNames[explicit]
	r.mu.RUnlock()

	if explicit != 0 {
		if labelKnown && known != explicit {
			r.logger.Warn("explicit kind id differs from the id of its label",
				"kind", label, "kind_id", explicit, "label_kind_id", known)
		}
		// An unlabeled id is kept on the device but gets no kind row.
		if labelKnown || idTaken || key == "" {
			return explicit, nil
		}
		return explicit, r.addKind(ctx, Kind{ID: explicit, Name: key})
	}
	if labelKnown {
		return known, nil
	}
	if key == "" {
		return 0, ErrKindRequired
	}

	id, err := r.nextKindID()
	if err != nil {
		return 0, err
	}
	return id, r.addKind(ctx, Kind{ID: id, Name: key})
}

// nextKindID draws from the kind sequence until it finds a free id.
// Callers hold kindMu.
func (r *Registry) nextKindID() (uint32, error) {
	for {
		id, err := r.alloc.Next(ids.Kind)
		if err != nil {
			r.logger.Warn("kind sequence exhausted", "error", err)
			return 0, ErrNoKindID
		}
		r.mu.RLock()
		_, taken := r.kindNames[id]
		r.mu.RUnlock()
		if !taken {
			return id, nil
		}
	}
}

// addKind persists and publishes k. Callers hold kindMu.
func (r *Registry) addKind(ctx context.Context, k Kind) error {
	if err := r.repo.CreateKind(ctx, k); err != nil {
		return fmt.Errorf("persisting kind %q: %w", k.Name, err)
	}

	r.mu.Lock()
	r.kinds = insertByID(r.kinds, k, func(k Kind) uint32 { return k.ID })
	r.kindByName[k.Name] = k.ID
	r.kindNames[k.ID] = k.Name
	r.mu.Unlock()

	r.logger.Debug("kind created", "id", k.ID, "name", k.Name)
	return nil
}

// ListDevices returns objects in registration order. A kindID of 0 returns
// every object; otherwise only objects of that kind.
func (r *Registry) ListDevices(kindID uint32) []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kindID == 0 {
		return append(make([]Object, 0, len(r.objects)), r.objects...)
	}
	out := make([]Object, 0)
	for _, o := range r.objects {
		if o.KindID == kindID {
			out = append(out, o)
		}
	}
	return out
}

// ListActionners returns every actionner in registration order.
func (r *Registry) ListActionners() []Actionner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(make([]Actionner, 0, len(r.actionners)), r.actionners...)
}

// ListProtocols returns the catalog contents in registration order.
func (r *Registry) ListProtocols() []protocol.Protocol {
	return r.catalog.List()
}

// ListKinds returns every known kind label ordered by id.
func (r *Registry) ListKinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.kinds)
}

// KindByName looks up a kind label, ignoring case.
func (r *Registry) KindByName(label string) (Kind, bool) {
	key := kindKey(label)
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.kindByName[key]
	return Kind{ID: id, Name: key}, ok
}

// GetDevice returns the object with the given id.
func (r *Registry) GetDevice(id uint32) (Object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := findByID(r.objects, id, objectID)
	if !ok {
		return Object{}, fmt.Errorf("%w: %d", ErrObjectNotFound, id)
	}
	return o, nil
}

// GetActionner returns the actionner with the given id.
func (r *Registry) GetActionner(id uint32) (Actionner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := findByID(r.actionners, id, actionnerID)
	if !ok {
		return Actionner{}, fmt.Errorf("%w: %d", ErrActionnerNotFound, id)
	}
	return a, nil
}

// Resolve returns an object and the actionner that owns it, both read
// under one lock acquisition.
func (r *Registry) Resolve(id uint32) (Object, Actionner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := findByID(r.objects, id, objectID)
	if !ok {
		return Object{}, Actionner{}, fmt.Errorf("%w: %d", ErrObjectNotFound, id)
	}
	a, ok := findByID(r.actionners, o.ActionnerID, actionnerID)
	if !ok {
		return Object{}, Actionner{}, fmt.Errorf("object %d: %w: %d", id, ErrActionnerNotFound, o.ActionnerID)
	}
	return o, a, nil
}

// Stats returns table counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Objects:    len(r.objects),
		Actionners: len(r.actionners),
		Kinds:      len(r.kinds),
		ByProtocol: make(map[string]int),
		ByKind:     make(map[uint32]int),
		LastIssued: map[string]uint32{
			ids.Device.String():    r.alloc.Last(ids.Device),
			ids.Actionner.String(): r.alloc.Last(ids.Actionner),
			ids.Kind.String():      r.alloc.Last(ids.Kind),
		},
	}
	for _, a := range r.actionners {
		s.ByProtocol[a.Protocol]++
	}
	for _, o := range r.objects {
		s.ByKind[o.KindID]++
	}
	return s
}

func actionnerID(a Actionner) uint32 { return a.ID }
func objectID(o Object) uint32       { return o.ID }

// insertByID inserts v into s keeping s ordered by id. Ids are allocated
// in order and persisted concurrently, so v usually lands at the end.
func insertByID[T any](s []T, v T, id func(T) uint32) []T {
	i, _ := slices.BinarySearchFunc(s, id(v), func(e T, target uint32) int {
		return cmp.Compare(id(e), target)
	})
	return slices.Insert(s, i, v)
}

func findByID[T any](s []T, target uint32, id func(T) uint32) (T, bool) {
	i, ok := slices.BinarySearchFunc(s, target, func(e T, t uint32) int {
		return cmp.Compare(id(e), t)
	})
	if !ok {
		var zero T
		return zero, false
	}
	return s[i], true
}
