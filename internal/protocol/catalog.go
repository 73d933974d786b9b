// Package protocol holds the catalog of wire protocols an actionner may speak.
//
// Protocols are registered once (normally at startup, one per compiled-in
// driver) and never change or disappear afterwards. Lookups are
// case-insensitive; the spelling used at registration is canonical and is
// what List and Get return.
//
// Reads take no lock: the catalog publishes an immutable snapshot through
// an atomic pointer and writers replace it under a mutex.
package protocol

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/homegate/internal/fault"
)

var (
	// ErrNotFound is returned by Get for an unknown protocol name.
	ErrNotFound = fault.New("protocol: not found", fault.ErrNotFound)

	// ErrExists is returned by Register when the name is already taken.
	ErrExists = fault.New("protocol: already exists", fault.ErrAlreadyExists)

	// ErrInvalid is returned by Register for a malformed descriptor.
	ErrInvalid = fault.New("protocol: invalid", fault.ErrInvalidArgument)
)

// Protocol describes one wire protocol.
type Protocol struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	SupportedCommands []string `json:"supported_commands,omitempty"`
}

func (p Protocol) clone() Protocol {
	p.SupportedCommands = slices.Clone(p.SupportedCommands)
	return p
}

// Supports reports whether cmd is one of the advisory supported commands.
// A protocol with no declared commands supports everything.
func (p Protocol) Supports(cmd string) bool {
	if len(p.SupportedCommands) == 0 {
		return true
	}
	return slices.Contains(p.SupportedCommands, cmd)
}

type snapshot struct {
	ordered []Protocol
	byKey   map[string]int
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewCatalog returns a catalog pre-populated with protos, in order.
func NewCatalog(protos ...Protocol) (*Catalog, error) {
	c := &Catalog{}
	c.snap.Store(&snapshot{byKey: map[string]int{}})
	for _, p := range protos {
		if err := c.Register(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Key normalises a protocol name for comparison.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds p to the catalog.
func (c *Catalog) Register(p Protocol) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if strings.ContainsAny(p.Name, " \t\n/") {
		return fmt.Errorf("%w: name %q contains whitespace or '/'", ErrInvalid, p.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap.Load()
	key := Key(p.Name)
	if i, ok := old.byKey[key]; ok {
		return fmt.Errorf("%w: %q (registered as %q)", ErrExists, p.Name, old.ordered[i].Name)
	}

	next := &snapshot{
		ordered: make([]Protocol, len(old.ordered), len(old.ordered)+1),
		byKey:   make(map[string]int, len(old.byKey)+1),
	}
	copy(next.ordered, old.ordered)
	for k, v := range old.byKey {
		next.byKey[k] = v
	}
	next.ordered = append(next.ordered, p.clone())
	next.byKey[key] = len(next.ordered) - 1

	c.snap.Store(next)
	return nil
}

// Get returns the protocol registered under name (any case).
func (c *Catalog) Get(name string) (Protocol, error) {
	s := c.snap.Load()
	i, ok := s.byKey[Key(name)]
	if !ok {
		return Protocol{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.ordered[i].clone(), nil
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.snap.Load().byKey[Key(name)]
	return ok
}

// List returns every protocol in registration order.
func (c *Catalog) List() []Protocol {
	s := c.snap.Load()
	out := make([]Protocol, len(s.ordered))
	for i, p := range s.ordered {
		out[i] = p.clone()
	}
	return out
}

// Len returns the number of registered protocols.
func (c *Catalog) Len() int {
	return len(c.snap.Load().ordered)
}
