package bridge

import (
	"sync"

	"github.com/wippyai/componentize/errors"
)

// HandleTable is the own/borrow arena. Handle 0 is never valid; slots are
// reused through a free list. Borrows are epoch-scoped: EndCall advances
// the epoch, expiring every borrow lifted during the finished call.
type HandleTable struct {
	entries  []hentry
	freeList []uint32
	epoch    uint64
	dtor     func(ridx, rep uint32)
	mu       sync.Mutex
}

type hentry struct {
	ridx    uint32
	rep     uint32
	valid   bool
	dropped bool
}

// NewHandleTable creates a table. dtor is invoked exactly once per owned
// handle when it is dropped; nil disables destructor dispatch.
func NewHandleTable(dtor func(ridx, rep uint32)) *HandleTable {
	return &HandleTable{
		entries:  make([]hentry, 0, 16),
		freeList: make([]uint32, 0, 8),
		dtor:     dtor,
	}
}

// Insert stores an owned resource and returns its handle.
func (t *HandleTable) Insert(ridx, rep uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := hentry{ridx: ridx, rep: rep, valid: true}
	if n := len(t.freeList); n > 0 {
		h := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[h-1] = e
		return h
	}
	t.entries = append(t.entries, e)
	return uint32(len(t.entries))
}

func (t *HandleTable) lookup(h uint32) (*hentry, error) {
	if h == 0 || int(h) > len(t.entries) {
		return nil, errors.Trap(errors.KindNotFound, "unknown resource handle")
	}
	e := &t.entries[h-1]
	if !e.valid {
		return nil, errors.Trap(errors.KindNotFound, "resource handle already dropped")
	}
	return e, nil
}

// Get returns the resource index and representation behind a live handle.
func (t *HandleTable) Get(h uint32) (ridx, rep uint32, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(h)
	if err != nil {
		return 0, 0, err
	}
	return e.ridx, e.rep, nil
}

// Remove transfers ownership out of the table without running the
// destructor. Used when an own handle is lifted into the application.
func (t *HandleTable) Remove(h uint32) (ridx, rep uint32, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(h)
	if err != nil {
		return 0, 0, err
	}
	ridx, rep = e.ridx, e.rep
	e.valid = false
	e.rep = 0
	t.freeList = append(t.freeList, h)
	return ridx, rep, nil
}

// Drop releases an owned handle, running the destructor exactly once.
func (t *HandleTable) Drop(h uint32) error {
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	ridx, rep := e.ridx, e.rep
	e.valid = false
	e.dropped = true
	e.rep = 0
	t.freeList = append(t.freeList, h)
	dtor := t.dtor
	t.mu.Unlock()

	if dtor != nil {
		dtor(ridx, rep)
	}
	return nil
}

// Borrow lends a live handle to the current call and returns a borrow
// value bound to the current epoch.
func (t *HandleTable) Borrow(h uint32) (*Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	return &Value{
		Kind:     ValBorrow,
		Resource: e.ridx,
		Rep:      e.rep,
		Handle:   h,
		Epoch:    t.epoch,
	}, nil
}

// CheckBorrow validates that a borrow value is still inside its
// originating call.
func (t *HandleTable) CheckBorrow(v *Value) error {
	if err := v.expect(ValBorrow); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.Epoch != t.epoch {
		return errors.BorrowExpired(v.Handle)
	}
	return nil
}

// EndCall advances the epoch, expiring borrows lifted during the call.
func (t *HandleTable) EndCall() {
	t.mu.Lock()
	t.epoch++
	t.mu.Unlock()
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.valid {
			n++
		}
	}
	return n
}

// DrainOwned drops every remaining live handle. Teardown path; each
// destructor still runs at most once.
func (t *HandleTable) DrainOwned() int {
	t.mu.Lock()
	var live []uint32
	for i, e := range t.entries {
		if e.valid {
			live = append(live, uint32(i+1))
		}
	}
	t.mu.Unlock()

	for _, h := range live {
		_ = t.Drop(h)
	}
	return len(live)
}
