package collective

import (
	"fmt"
	"sync"

	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/group"
)

// Handle defers building a Comm until it is first needed. A Comm binds to the device that is
// current when it is created, and callers usually select their device after constructing the
// object that owns the handle.
type Handle struct {
	mu    sync.Mutex
	build func() (Comm, error)
	comm  Comm
}

func NewHandle(build func() (Comm, error)) *Handle {
	return &Handle{build: build}
}

// Get returns the Comm, building it on the first call. A failed build leaves the handle
// uninitialized and is not retried here.
func (h *Handle) Get() (Comm, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.comm != nil {
		return h.comm, nil
	}
	c, err := h.build()
	if err != nil {
		return nil, err
	}
	h.comm = c
	return c, nil
}

func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.comm != nil
}

// Close destroys the Comm if one was built. The handle may be used again afterwards.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.comm == nil {
		return nil
	}
	err := h.comm.Close()
	h.comm = nil
	return err
}

// Init builds a Comm spanning g on dev. Rank 0 of g creates the clique id and broadcasts it
// over g. Every member of g must call Init together.
func Init(lib Library, g group.Group, dev device.Device) (Comm, error) {
	if lib == nil || !lib.Available() {
		return nil, ErrUnavailable
	}
	var payload []byte
	var idErr error
	if g.Rank() == 0 {
		id, err := lib.NewUniqueID()
		if err != nil {
			idErr = err
			payload = []byte{}
		} else {
			payload = id[:]
		}
	}
	// rank 0 still broadcasts on failure so the other members are released
	got, err := g.Bcast(payload, 0)
	if err != nil {
		return nil, fmt.Errorf("collective: broadcast unique id: %w", err)
	}
	if idErr != nil {
		return nil, fmt.Errorf("collective: create unique id: %w", idErr)
	}
	var id UniqueID
	if len(got) != len(id) {
		return nil, fmt.Errorf("collective: root sent a %d-byte unique id", len(got))
	}
	copy(id[:], got)
	c, err := lib.NewComm(dev, g.Size(), id, g.Rank())
	if err != nil {
		return nil, fmt.Errorf("collective: join clique %s as rank %d/%d on device %d: %w",
			id, g.Rank(), g.Size(), dev.ID(), err)
	}
	return c, nil
}
