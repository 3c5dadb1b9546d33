package group

import (
	"fmt"
	"sync"
	"testing"
)

// runAll calls fn once per member on its own goroutine and reports the first error.
func runAll(t *testing.T, members []Group, fn func(g Group) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(members))
	for i, g := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(g)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("member %d: %v", i, err)
		}
	}
}

func TestNewLocalWorldValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewLocalWorld(0, nil); err == nil {
		t.Fatal("expected error for empty world")
	}
	if _, err := NewLocalWorld(2, []string{"a"}); err == nil {
		t.Fatal("expected error for name count mismatch")
	}
	ws, err := NewLocalWorld(2, nil)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	if ws[0].ProcessorName() != Hostname() || ws[1].Rank() != 1 || ws[1].Size() != 2 {
		t.Fatalf("unexpected member identity")
	}
}

func TestAllGatherOrdersByRank(t *testing.T) {
	t.Parallel()
	ws, _ := NewLocalWorld(4, nil)
	runAll(t, ws, func(g Group) error {
		for round := 0; round < 3; round++ {
			vals, err := g.AllGather([]byte(fmt.Sprintf("r%d-%d", g.Rank(), round)))
			if err != nil {
				return err
			}
			for r, v := range vals {
				if want := fmt.Sprintf("r%d-%d", r, round); string(v) != want {
					return fmt.Errorf("slot %d holds %q, want %q", r, v, want)
				}
			}
		}
		return nil
	})
}

func TestBcastFromRoot(t *testing.T) {
	t.Parallel()
	ws, _ := NewLocalWorld(3, nil)
	runAll(t, ws, func(g Group) error {
		var data []byte
		if g.Rank() == 2 {
			data = []byte("payload")
		}
		got, err := g.Bcast(data, 2)
		if err != nil {
			return err
		}
		if string(got) != "payload" {
			return fmt.Errorf("got %q", got)
		}
		if _, err := g.Bcast(nil, 5); err == nil {
			return fmt.Errorf("expected error for out-of-range root")
		}
		return nil
	})
}

func TestSplitRanksByKey(t *testing.T) {
	t.Parallel()
	ws, _ := NewLocalWorld(4, []string{"a", "b", "a", "b"})
	runAll(t, ws, func(g Group) error {
		color := g.Rank() % 2
		// reverse order inside each part
		sub, err := g.Split(color, -g.Rank())
		if err != nil {
			return err
		}
		if sub.Size() != 2 {
			return fmt.Errorf("sub size %d", sub.Size())
		}
		wantRank := map[int]int{0: 1, 1: 1, 2: 0, 3: 0}[g.Rank()]
		if sub.Rank() != wantRank {
			return fmt.Errorf("rank %d got sub rank %d, want %d", g.Rank(), sub.Rank(), wantRank)
		}
		if sub.ProcessorName() != g.ProcessorName() {
			return fmt.Errorf("processor name changed across split")
		}
		vals, err := sub.AllGather([]byte{byte(g.Rank())})
		if err != nil {
			return err
		}
		for _, v := range vals {
			if int(v[0])%2 != color {
				return fmt.Errorf("sub group of color %d saw rank %d", color, v[0])
			}
		}
		return nil
	})
}

func TestRepeatedSplitsAreIndependent(t *testing.T) {
	t.Parallel()
	ws, _ := NewLocalWorld(2, nil)
	runAll(t, ws, func(g Group) error {
		a, err := g.Split(0, g.Rank())
		if err != nil {
			return err
		}
		b, err := g.Split(0, g.Rank())
		if err != nil {
			return err
		}
		if _, err := a.AllGather([]byte("a")); err != nil {
			return err
		}
		vals, err := b.AllGather([]byte("b"))
		if err != nil {
			return err
		}
		if string(vals[0]) != "b" || string(vals[1]) != "b" {
			return fmt.Errorf("second split shares state with the first: %q", vals)
		}
		return nil
	})
}

// pending reports the rounds and splits not yet released by every member.
func (h *hub) pending() (rounds, splits int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds), len(h.splits)
}

func TestFinishedSplitsAreReleased(t *testing.T) {
	t.Parallel()
	ws, _ := NewLocalWorld(4, []string{"a", "b", "a", "b"})
	runAll(t, ws, func(g Group) error {
		for i := 0; i < 5; i++ {
			sub, err := g.Split(g.Rank()%2, g.Rank())
			if err != nil {
				return err
			}
			if _, err := sub.AllGather(nil); err != nil {
				return err
			}
		}
		return nil
	})
	rounds, splits := ws[0].(*member).hub.pending()
	if rounds != 0 || splits != 0 {
		t.Fatalf("world still holds %d rounds and %d splits", rounds, splits)
	}
}
