package protocol

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nerrad567/homegate/internal/fault"
)

func TestCatalog_RegisterAndGet(t *testing.T) {
	c, err := NewCatalog(Protocol{Name: "Arduino", SupportedCommands: []string{"on", "off"}})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	t.Run("case insensitive lookup returns canonical name", func(t *testing.T) {
		p, err := c.Get("arduino")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if p.Name != "Arduino" {
			t.Errorf("Name = %q, want %q", p.Name, "Arduino")
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := c.Get("zigbee")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		if fault.KindOf(err) != fault.NotFound {
			t.Errorf("KindOf() = %v, want NotFound", fault.KindOf(err))
		}
	})

	t.Run("duplicate in other case", func(t *testing.T) {
		err := c.Register(Protocol{Name: "ARDUINO"})
		if !errors.Is(err, ErrExists) {
			t.Errorf("Register() error = %v, want ErrExists", err)
		}
		if c.Len() != 1 {
			t.Errorf("Len() = %d, want 1", c.Len())
		}
	})

	t.Run("returned value is a copy", func(t *testing.T) {
		p, _ := c.Get("arduino")
		p.SupportedCommands[0] = "mutated"
		again, _ := c.Get("arduino")
		if again.SupportedCommands[0] != "on" {
			t.Errorf("catalog entry mutated through returned copy")
		}
	})
}

func TestCatalog_RegisterInvalid(t *testing.T) {
	c, _ := NewCatalog()

	tests := []string{"", "   ", "two words", "a/b"}
	for _, name := range tests {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			if err := c.Register(Protocol{Name: name}); !errors.Is(err, ErrInvalid) {
				t.Errorf("Register(%q) error = %v, want ErrInvalid", name, err)
			}
		})
	}
}

func TestCatalog_ListOrder(t *testing.T) {
	c, _ := NewCatalog()
	names := []string{"zwave", "arduino", "ssh", "knx"}
	for _, n := range names {
		if err := c.Register(Protocol{Name: n}); err != nil {
			t.Fatalf("Register(%q) error = %v", n, err)
		}
	}

	got := c.List()
	if len(got) != len(names) {
		t.Fatalf("List() len = %d, want %d", len(got), len(names))
	}
	for i, p := range got {
		if p.Name != names[i] {
			t.Errorf("List()[%d] = %q, want %q", i, p.Name, names[i])
		}
	}
}

func TestCatalog_ConcurrentReadsDuringRegister(t *testing.T) {
	c, _ := NewCatalog(Protocol{Name: "base"})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Register(Protocol{Name: fmt.Sprintf("p%d", i)})
		}()
		go func() {
			defer wg.Done()
			if _, err := c.Get("BASE"); err != nil {
				t.Errorf("Get() during register error = %v", err)
			}
			if len(c.List()) == 0 {
				t.Error("List() returned empty snapshot")
			}
		}()
	}
	wg.Wait()

	if c.Len() != 51 {
		t.Errorf("Len() = %d, want 51", c.Len())
	}
}

func TestProtocol_Supports(t *testing.T) {
	open := Protocol{Name: "nats"}
	if !open.Supports("anything") {
		t.Error("protocol without command list should support everything")
	}

	closed := Protocol{Name: "arduino", SupportedCommands: []string{"on", "off"}}
	if !closed.Supports("on") || closed.Supports("dim") {
		t.Error("Supports() does not honour SupportedCommands")
	}
}
