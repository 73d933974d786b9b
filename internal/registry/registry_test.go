package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/ids"
	"github.com/nerrad567/homegate/internal/protocol"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu         sync.Mutex
	actionners []Actionner
	objects    []Object
	kinds      []Kind
	// For testing error paths
	createActionnerErr error
	createObjectErr    error
	createKindErr      error
	listErr            error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{}
}

func (m *MockRepository) ListActionners(context.Context) ([]Actionner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]Actionner(nil), m.actionners...), nil
}

func (m *MockRepository) ListObjects(context.Context) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Object(nil), m.objects...), nil
}

func (m *MockRepository) ListKinds(context.Context) ([]Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Kind(nil), m.kinds...), nil
}

func (m *MockRepository) CreateActionner(_ context.Context, a *Actionner) error {
	if m.createActionnerErr != nil {
		return m.createActionnerErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionners = append(m.actionners, *a)
	return nil
}

func (m *MockRepository) CreateObject(_ context.Context, o *Object) error {
	if m.createObjectErr != nil {
		return m.createObjectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append(m.objects, *o)
	return nil
}

func (m *MockRepository) CreateKind(_ context.Context, k Kind) error {
	if m.createKindErr != nil {
		return m.createKindErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, k)
	return nil
}

func newTestRegistry(t *testing.T, repo Repository) *Registry {
	t.Helper()
	catalog, err := protocol.NewCatalog(
		protocol.Protocol{Name: "zwave"},
		protocol.Protocol{Name: "Arduino"},
	)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return New(catalog, ids.New(), repo)
}

func TestRegistry_RegisterActionner(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	reg := newTestRegistry(t, repo)

	t.Run("allocates increasing ids", func(t *testing.T) {
		a1, err := reg.RegisterActionner(ctx, "zwave", "hub1", "10.0.0.5:4000")
		if err != nil {
			t.Fatalf("RegisterActionner() error = %v", err)
		}
		a2, err := reg.RegisterActionner(ctx, "zwave", "hub2", "10.0.0.6:4000")
		if err != nil {
			t.Fatalf("RegisterActionner() error = %v", err)
		}
		if a1.ID != 1 || a2.ID <= a1.ID {
			t.Errorf("ids = %d, %d; want 1 then greater", a1.ID, a2.ID)
		}
	})

	t.Run("canonicalises protocol name", func(t *testing.T) {
		a, err := reg.RegisterActionner(ctx, "arduino", "desk", "/dev/ttyUSB0")
		if err != nil {
			t.Fatalf("RegisterActionner() error = %v", err)
		}
		if a.Protocol != "Arduino" {
			t.Errorf("Protocol = %q, want %q", a.Protocol, "Arduino")
		}
	})

	t.Run("unknown protocol", func(t *testing.T) {
		before := len(reg.ListActionners())
		_, err := reg.RegisterActionner(ctx, "zigbee", "x", "y")
		if !errors.Is(err, ErrProtocolNotFound) {
			t.Fatalf("RegisterActionner() error = %v, want ErrProtocolNotFound", err)
		}
		if fault.KindOf(err) != fault.NotFound {
			t.Errorf("KindOf() = %v, want NotFound", fault.KindOf(err))
		}
		if len(reg.ListActionners()) != before {
			t.Error("actionner table changed on failed registration")
		}
	})

	t.Run("persisted", func(t *testing.T) {
		if len(repo.actionners) != 3 {
			t.Errorf("repository has %d actionners, want 3", len(repo.actionners))
		}
	})
}

func TestRegistry_RegisterActionner_PersistFailure(t *testing.T) {
	repo := NewMockRepository()
	repo.createActionnerErr = errors.New("disk full")
	reg := newTestRegistry(t, repo)

	_, err := reg.RegisterActionner(context.Background(), "zwave", "hub1", "remote")
	if err == nil {
		t.Fatal("RegisterActionner() error = nil, want persistence error")
	}
	if got := reg.ListActionners(); len(got) != 0 {
		t.Errorf("ListActionners() = %v, want empty after failed persist", got)
	}
}

func TestRegistry_RegisterDevice(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, NewMockRepository())

	hub, err := reg.RegisterActionner(ctx, "zwave", "hub1", "10.0.0.5:4000")
	if err != nil {
		t.Fatalf("RegisterActionner() error = %v", err)
	}

	t.Run("stores object", func(t *testing.T) {
		o, err := reg.RegisterDevice(ctx, NewObject{Name: "lamp", Kind: "light", ActionnerID: hub.ID, IDInActionner: "Z3"})
		if err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}
		if o.ID != 1 {
			t.Errorf("ID = %d, want 1", o.ID)
		}
		if o.KindID == 0 {
			t.Error("KindID = 0, registry must never assign the wildcard")
		}
		got, err := reg.GetDevice(o.ID)
		if err != nil || got.IDInActionner != "Z3" {
			t.Errorf("GetDevice() = %+v, %v", got, err)
		}
	})

	t.Run("unknown actionner leaves table untouched", func(t *testing.T) {
		before := reg.ListDevices(0)
		_, err := reg.RegisterDevice(ctx, NewObject{Name: "ghost", Kind: "light", ActionnerID: 999, IDInActionner: "1"})
		if !errors.Is(err, ErrActionnerNotFound) {
			t.Fatalf("RegisterDevice() error = %v, want ErrActionnerNotFound", err)
		}
		after := reg.ListDevices(0)
		if len(after) != len(before) {
			t.Errorf("object table size changed from %d to %d", len(before), len(after))
		}
	})

	t.Run("duplicate address is permitted", func(t *testing.T) {
		_, err := reg.RegisterDevice(ctx, NewObject{Name: "lamp again", Kind: "light", ActionnerID: hub.ID, IDInActionner: "Z3"})
		if err != nil {
			t.Errorf("RegisterDevice() duplicate pair error = %v, want nil", err)
		}
	})
}

func TestRegistry_KindDerivation(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	reg := newTestRegistry(t, repo)
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")

	register := func(kind string, kindID uint32) Object {
		t.Helper()
		o, err := reg.RegisterDevice(ctx, NewObject{Name: "d", Kind: kind, KindID: kindID, ActionnerID: hub.ID, IDInActionner: "x"})
		if err != nil {
			t.Fatalf("RegisterDevice(%q, %d) error = %v", kind, kindID, err)
		}
		return o
	}

	led := register("LED", 0)
	if led.KindID != KindLED.ID {
		t.Errorf("LED kind id = %d, want %d", led.KindID, KindLED.ID)
	}

	light1 := register("light", 0)
	light2 := register("Light ", 0)
	if light1.KindID != light2.KindID {
		t.Errorf("same label got kind ids %d and %d", light1.KindID, light2.KindID)
	}
	if light1.KindID == KindLED.ID {
		t.Error("new label reused the led kind id")
	}

	explicit := register("sensor", 40)
	if explicit.KindID != 40 {
		t.Errorf("explicit kind id = %d, want 40", explicit.KindID)
	}
	sensor := register("sensor", 0)
	if sensor.KindID != 40 {
		t.Errorf("label bound by explicit id resolved to %d, want 40", sensor.KindID)
	}
	next := register("blind", 0)
	if next.KindID == 40 || next.KindID == light1.KindID || next.KindID == KindLED.ID {
		t.Errorf("fresh kind id = %d collides with an existing kind", next.KindID)
	}

	if len(repo.kinds) != 3 {
		t.Errorf("persisted kinds = %d, want 3 (light, sensor, blind)", len(repo.kinds))
	}
	if k, ok := reg.KindByName("BLIND"); !ok || k.ID != next.KindID {
		t.Errorf("KindByName(BLIND) = %+v, %v", k, ok)
	}

	byID := register("", light1.KindID)
	if byID.Kind != "light" {
		t.Errorf("device registered by kind id has label %q, want light", byID.Kind)
	}
}

func TestRegistry_ExplicitKindIDsLeaveSequenceAlone(t *testing.T) {
	ctx := context.Background()
	alloc := ids.New()
	catalog, _ := protocol.NewCatalog(protocol.Protocol{Name: "zwave"})
	reg := New(catalog, alloc, NewMockRepository())
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")

	if _, err := reg.RegisterDevice(ctx, NewObject{Name: "a", Kind: "huge", KindID: math.MaxUint32, ActionnerID: hub.ID}); err != nil {
		t.Fatalf("RegisterDevice(explicit max) error = %v", err)
	}
	if got := alloc.Last(ids.Kind); got != KindLED.ID {
		t.Errorf("kind sequence = %d after an explicit id, want %d", got, KindLED.ID)
	}

	// Id 2 is taken explicitly, so the next derived id must skip it.
	if _, err := reg.RegisterDevice(ctx, NewObject{Name: "b", Kind: "two", KindID: 2, ActionnerID: hub.ID}); err != nil {
		t.Fatalf("RegisterDevice(explicit 2) error = %v", err)
	}
	fan, err := reg.RegisterDevice(ctx, NewObject{Name: "c", Kind: "fan", ActionnerID: hub.ID})
	if err != nil {
		t.Fatalf("RegisterDevice(fan) error = %v", err)
	}
	if fan.KindID != 3 {
		t.Errorf("fan kind id = %d, want 3", fan.KindID)
	}
}

func TestRegistry_KindSequenceExhausted(t *testing.T) {
	ctx := context.Background()
	alloc := ids.New()
	catalog, _ := protocol.NewCatalog(protocol.Protocol{Name: "zwave"})
	reg := New(catalog, alloc, NewMockRepository())
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")
	alloc.Advance(ids.Kind, math.MaxUint32)

	_, err := reg.RegisterDevice(ctx, NewObject{Name: "f", Kind: "fan", ActionnerID: hub.ID})
	if !errors.Is(err, ErrNoKindID) {
		t.Fatalf("RegisterDevice() error = %v, want ErrNoKindID", err)
	}
	if fault.Is(err, fault.ResourceExhausted) {
		t.Error("kind exhaustion classified as ResourceExhausted")
	}
	if got := len(reg.ListDevices(0)); got != 0 {
		t.Errorf("ListDevices(0) len = %d, want 0", got)
	}
	if _, err := reg.RegisterDevice(ctx, NewObject{Name: "g", Kind: "fan", KindID: 9, ActionnerID: hub.ID}); err != nil {
		t.Errorf("explicit kind id after exhaustion error = %v", err)
	}
}

func TestRegistry_UnlabeledExplicitKind(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	reg := newTestRegistry(t, repo)
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")

	o, err := reg.RegisterDevice(ctx, NewObject{Name: "x", KindID: 77, ActionnerID: hub.ID})
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if o.KindID != 77 || o.Kind != "" {
		t.Errorf("object = %+v, want kind id 77 with no label", o)
	}
	for _, k := range reg.ListKinds() {
		if k.Name == "" || k.ID == 77 {
			t.Errorf("ListKinds() has %+v", k)
		}
	}
	if _, ok := reg.KindByName(""); ok {
		t.Error("blank label resolvable as a kind")
	}
	if len(repo.kinds) != 0 {
		t.Errorf("persisted kinds = %v, want none", repo.kinds)
	}
	if got := reg.ListDevices(77); len(got) != 1 {
		t.Errorf("ListDevices(77) len = %d, want 1", len(got))
	}

	if _, err := reg.RegisterDevice(ctx, NewObject{Name: "y", Kind: "  ", ActionnerID: hub.ID}); !errors.Is(err, ErrKindRequired) {
		t.Errorf("RegisterDevice(no kind) error = %v, want ErrKindRequired", err)
	}
}

func TestRegistry_FailedObjectKeepsNewKind(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	reg := newTestRegistry(t, repo)
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")

	repo.createObjectErr = errors.New("disk full")
	if _, err := reg.RegisterDevice(ctx, NewObject{Name: "f", Kind: "fan", ActionnerID: hub.ID}); err == nil {
		t.Fatal("RegisterDevice() error = nil, want persistence error")
	}
	k, ok := reg.KindByName("fan")
	if !ok {
		t.Fatal("kind created before the failed object was dropped")
	}

	repo.createObjectErr = nil
	o, err := reg.RegisterDevice(ctx, NewObject{Name: "f", Kind: "fan", ActionnerID: hub.ID})
	if err != nil {
		t.Fatalf("RegisterDevice() retry error = %v", err)
	}
	if o.KindID != k.ID {
		t.Errorf("retry kind id = %d, want the existing %d", o.KindID, k.ID)
	}
	if len(repo.kinds) != 1 {
		t.Errorf("persisted kinds = %d, want 1", len(repo.kinds))
	}
}

func TestRegistry_ListDevices_Filter(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")

	kinds := []string{"led", "light", "led", "blind", "light", "led"}
	for i, k := range kinds {
		if _, err := reg.RegisterDevice(ctx, NewObject{Name: fmt.Sprintf("d%d", i), Kind: k, ActionnerID: hub.ID, IDInActionner: fmt.Sprint(i)}); err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}
	}

	all := reg.ListDevices(0)
	if len(all) != len(kinds) {
		t.Fatalf("ListDevices(0) len = %d, want %d", len(all), len(kinds))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("ListDevices(0) not in registration order: %d after %d", all[i].ID, all[i-1].ID)
		}
	}

	for _, kindID := range []uint32{1, 2, 3, 77} {
		sub := reg.ListDevices(kindID)
		pos := 0
		for _, o := range sub {
			if o.KindID != kindID {
				t.Errorf("ListDevices(%d) returned kind %d", kindID, o.KindID)
			}
			for pos < len(all) && all[pos].ID != o.ID {
				pos++
			}
			if pos == len(all) {
				t.Errorf("ListDevices(%d) is not an ordered subsequence of ListDevices(0)", kindID)
			}
		}
		want := 0
		for _, o := range all {
			if o.KindID == kindID {
				want++
			}
		}
		if len(sub) != want {
			t.Errorf("ListDevices(%d) len = %d, want %d", kindID, len(sub), want)
		}
	}

	if got := reg.ListDevices(77); got == nil || len(got) != 0 {
		t.Errorf("ListDevices(77) = %v, want empty non-nil slice", got)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub1", "10.0.0.5:4000")
	lamp, _ := reg.RegisterDevice(ctx, NewObject{Name: "lamp", Kind: "light", ActionnerID: hub.ID, IDInActionner: "Z3"})

	o, a, err := reg.Resolve(lamp.ID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if o.IDInActionner != "Z3" || a.Remote != "10.0.0.5:4000" {
		t.Errorf("Resolve() = %+v, %+v", o, a)
	}

	_, _, err = reg.Resolve(4242)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrObjectNotFound", err)
	}
}

func TestRegistry_Load(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	repo.actionners = []Actionner{
		{ID: 7, Protocol: "ZWAVE", Name: "hub", Remote: "r"},
		{ID: 3, Protocol: "legacy", Name: "old", Remote: "r"},
	}
	repo.objects = []Object{{ID: 12, Name: "lamp", Kind: "light", KindID: 5, ActionnerID: 7, IDInActionner: "Z3"}}
	repo.kinds = []Kind{{ID: 5, Name: "light"}}

	catalog, _ := protocol.NewCatalog(protocol.Protocol{Name: "zwave"})
	alloc := ids.New()
	reg := New(catalog, alloc, repo)

	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	acts := reg.ListActionners()
	if len(acts) != 2 || acts[0].ID != 3 || acts[1].ID != 7 {
		t.Errorf("ListActionners() = %+v, want ids 3, 7", acts)
	}
	if acts[1].Protocol != "zwave" {
		t.Errorf("protocol not canonicalised on load: %q", acts[1].Protocol)
	}
	if !catalog.Has("legacy") {
		t.Error("unknown persisted protocol was not restored into the catalog")
	}

	a, err := reg.RegisterActionner(ctx, "zwave", "new", "r")
	if err != nil || a.ID != 8 {
		t.Errorf("RegisterActionner() after load = %d, %v; want id 8", a.ID, err)
	}
	o, err := reg.RegisterDevice(ctx, NewObject{Name: "x", Kind: "Light", ActionnerID: 7, IDInActionner: "Z4"})
	if err != nil || o.ID != 13 || o.KindID != 5 {
		t.Errorf("RegisterDevice() after load = %+v, %v; want id 13 kind 5", o, err)
	}
}

func TestRegistry_Load_DanglingObject(t *testing.T) {
	repo := NewMockRepository()
	repo.objects = []Object{{ID: 1, ActionnerID: 9}}
	reg := newTestRegistry(t, repo)

	err := reg.Load(context.Background())
	if !errors.Is(err, ErrActionnerNotFound) {
		t.Errorf("Load() error = %v, want ErrActionnerNotFound", err)
	}
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, NewMockRepository())
	hub, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.RegisterDevice(ctx, NewObject{Name: "d", Kind: fmt.Sprintf("k%d", i%5), ActionnerID: hub.ID, IDInActionner: fmt.Sprint(i)}); err != nil {
				t.Errorf("RegisterDevice() error = %v", err)
			}
		}()
		go reg.ListDevices(0)
	}
	wg.Wait()

	all := reg.ListDevices(0)
	if len(all) != n {
		t.Fatalf("ListDevices(0) len = %d, want %d", len(all), n)
	}
	for i := 1; i < n; i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("objects not ordered by id at %d", i)
		}
	}
	if s := reg.Stats(); s.Kinds != 6 {
		t.Errorf("Stats().Kinds = %d, want 6 (led + 5 labels)", s.Kinds)
	}
}

func TestRegistry_Stats(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	a, _ := reg.RegisterActionner(ctx, "zwave", "hub", "r")
	reg.RegisterActionner(ctx, "arduino", "desk", "r")
	reg.RegisterDevice(ctx, NewObject{Name: "l", Kind: "led", ActionnerID: a.ID})

	s := reg.Stats()
	if s.Actionners != 2 || s.Objects != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.ByProtocol["zwave"] != 1 || s.ByProtocol["Arduino"] != 1 {
		t.Errorf("ByProtocol = %v", s.ByProtocol)
	}
	if s.LastIssued["actionner"] != 2 {
		t.Errorf("LastIssued[actionner] = %d, want 2", s.LastIssued["actionner"])
	}
}
