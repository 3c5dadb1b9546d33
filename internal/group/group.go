// Package group is the process-group substrate the communicators run on: rank and size, a
// processor-name query for topology discovery, byte-level collectives and sub-group splits.
package group

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
)

// Group is one member's handle on a process group. Every collective blocks until all members
// of the group have made the matching call.
type Group interface {
	Rank() int
	Size() int
	// ProcessorName identifies the machine the member runs on.
	ProcessorName() string
	AllGather(data []byte) ([][]byte, error)
	Bcast(data []byte, root int) ([]byte, error)
	// Split partitions the group by color. Members of a part are ranked by key, then by rank.
	Split(color, key int) (Group, error)
}

// NewLocalWorld returns the n members of an in-process group, to be driven from one goroutine
// each. names gives every member's processor name; nil places all members on this host.
func NewLocalWorld(n int, names []string) ([]Group, error) {
	if n < 1 {
		return nil, fmt.Errorf("group: world size must be positive, got %d", n)
	}
	if names == nil {
		host := Hostname()
		names = make([]string, n)
		for i := range names {
			names[i] = host
		}
	}
	if len(names) != n {
		return nil, fmt.Errorf("group: %d processor names for %d members", len(names), n)
	}
	h := newHub(n)
	members := make([]Group, n)
	for i := range members {
		members[i] = &member{hub: h, rank: i, name: names[i]}
	}
	return members, nil
}

type hub struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	seq    []uint64
	rounds map[uint64]*round
	splits map[splitKey]*split
}

// split is a sub-group hub waiting to be picked up by its members.
type split struct {
	hub     *hub
	fetched int
}

type round struct {
	vals    [][]byte
	arrived int
	left    int
}

type splitKey struct {
	seq   uint64
	color int
}

func newHub(size int) *hub {
	h := &hub{
		size:   size,
		seq:    make([]uint64, size),
		rounds: make(map[uint64]*round),
		splits: make(map[splitKey]*split),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// exchange contributes data as rank and waits for the rest of the group. Members match calls
// by their own call count, so the n-th collective of every member meets in the same round.
func (h *hub) exchange(rank int, data []byte) ([][]byte, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.seq[rank]
	h.seq[rank]++
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{vals: make([][]byte, h.size)}
		h.rounds[seq] = r
	}
	if data != nil {
		r.vals[rank] = slices.Clone(data)
	}
	r.arrived++
	if r.arrived == h.size {
		h.cond.Broadcast()
	}
	for r.arrived < h.size {
		h.cond.Wait()
	}
	r.left++
	if r.left == h.size {
		delete(h.rounds, seq)
	}
	return slices.Clone(r.vals), seq
}

// subHub returns the hub shared by every member that split with color in round seq. The
// entry is dropped once all size members have it.
func (h *hub) subHub(seq uint64, color, size int) *hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := splitKey{seq: seq, color: color}
	sp, ok := h.splits[k]
	if !ok {
		sp = &split{hub: newHub(size)}
		h.splits[k] = sp
	}
	sp.fetched++
	if sp.fetched == size {
		delete(h.splits, k)
	}
	return sp.hub
}

type member struct {
	hub  *hub
	rank int
	name string
}

func (m *member) Rank() int             { return m.rank }
func (m *member) Size() int             { return m.hub.size }
func (m *member) ProcessorName() string { return m.name }

func (m *member) AllGather(data []byte) ([][]byte, error) {
	if data == nil {
		data = []byte{}
	}
	vals, _ := m.hub.exchange(m.rank, data)
	return vals, nil
}

func (m *member) Bcast(data []byte, root int) ([]byte, error) {
	if root < 0 || root >= m.hub.size {
		return nil, fmt.Errorf("group: broadcast root %d outside group of %d", root, m.hub.size)
	}
	var contrib []byte
	if m.rank == root {
		contrib = data
		if contrib == nil {
			contrib = []byte{}
		}
	}
	vals, _ := m.hub.exchange(m.rank, contrib)
	return vals[root], nil
}

func (m *member) Split(color, key int) (Group, error) {
	var msg [16]byte
	binary.LittleEndian.PutUint64(msg[:8], uint64(int64(color)))
	binary.LittleEndian.PutUint64(msg[8:], uint64(int64(key)))
	vals, seq := m.hub.exchange(m.rank, msg[:])

	type entry struct{ rank, key int }
	var part []entry
	for r, v := range vals {
		if int(int64(binary.LittleEndian.Uint64(v[:8]))) != color {
			continue
		}
		part = append(part, entry{rank: r, key: int(int64(binary.LittleEndian.Uint64(v[8:])))})
	}
	slices.SortFunc(part, func(a, b entry) int {
		if c := cmp.Compare(a.key, b.key); c != 0 {
			return c
		}
		return cmp.Compare(a.rank, b.rank)
	})
	newRank := slices.IndexFunc(part, func(e entry) bool { return e.rank == m.rank })
	sub := m.hub.subHub(seq, color, len(part))
	return &member{hub: sub, rank: newRank, name: m.name}, nil
}
