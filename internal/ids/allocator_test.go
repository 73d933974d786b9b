package ids

import (
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/nerrad567/homegate/internal/fault"
)

func TestAllocator_NextStartsAtOne(t *testing.T) {
	a := New()

	for _, c := range []Class{Device, Actionner, Kind} {
		id, err := a.Next(c)
		if err != nil {
			t.Fatalf("Next(%s) error = %v", c, err)
		}
		if id != 1 {
			t.Errorf("Next(%s) = %d, want 1", c, id)
		}
	}
}

func TestAllocator_StrictlyIncreasing(t *testing.T) {
	a := New()

	var prev uint32
	for range 100 {
		id, err := a.Next(Device)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if id <= prev {
			t.Fatalf("Next() = %d after %d, want strictly increasing", id, prev)
		}
		prev = id
	}
}

func TestAllocator_ConcurrentUnique(t *testing.T) {
	a := New()
	const workers, perWorker = 16, 500

	var mu sync.Mutex
	var all []uint32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint32, 0, perWorker)
			for range perWorker {
				id, err := a.Next(Actionner)
				if err != nil {
					t.Errorf("Next() error = %v", err)
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	if len(all) != workers*perWorker {
		t.Fatalf("got %d ids, want %d", len(all), workers*perWorker)
	}
	for i, id := range all {
		if id != uint32(i+1) {
			t.Fatalf("ids[%d] = %d, want %d (duplicate or gap)", i, id, i+1)
		}
	}
}

func TestAllocator_ClassesIndependent(t *testing.T) {
	a := New()
	a.Next(Device)
	a.Next(Device)

	id, _ := a.Next(Actionner)
	if id != 1 {
		t.Errorf("Next(Actionner) = %d, want 1", id)
	}
}

func TestAllocator_Exhausted(t *testing.T) {
	a := New()
	a.Advance(Kind, math.MaxUint32-1)

	id, err := a.Next(Kind)
	if err != nil || id != math.MaxUint32 {
		t.Fatalf("Next() = %d, %v; want MaxUint32, nil", id, err)
	}

	_, err = a.Next(Kind)
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Next() error = %v, want ErrExhausted", err)
	}
	if fault.KindOf(err) != fault.ResourceExhausted {
		t.Errorf("KindOf() = %v, want ResourceExhausted", fault.KindOf(err))
	}
	if a.Last(Kind) != math.MaxUint32 {
		t.Errorf("Last() = %d, sequence must not wrap", a.Last(Kind))
	}
}

func TestAllocator_Advance(t *testing.T) {
	a := New()

	a.Advance(Device, 41)
	if id, _ := a.Next(Device); id != 42 {
		t.Errorf("Next() after Advance(41) = %d, want 42", id)
	}

	a.Advance(Device, 10)
	if id, _ := a.Next(Device); id != 43 {
		t.Errorf("Advance must not lower the sequence; Next() = %d, want 43", id)
	}
}
