package bridge

import (
	"sync"

	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/world"
)

// Streams is the channel table for stream and future values. Channels carry
// interpreter values; consumers register waiters that Poll runs once the
// channel is readable or closed, so cancellation lands at the next
// suspension point rather than preempting anything.
type Streams struct {
	entries  []sentry
	freeList []uint32
	mu       sync.Mutex
}

type sentry struct {
	kind    world.ChannelKind
	queue   []*Value
	waiters []func()
	valid   bool
	closed  bool
	sent    bool // futures deliver at most one value
}

func NewStreams() *Streams {
	return &Streams{entries: make([]sentry, 0, 8)}
}

// Open allocates a channel and returns its handle.
func (s *Streams) Open(kind world.ChannelKind) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := sentry{kind: kind, valid: true}
	if n := len(s.freeList); n > 0 {
		h := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.entries[h-1] = e
		return h
	}
	s.entries = append(s.entries, e)
	return uint32(len(s.entries))
}

func (s *Streams) lookup(h uint32) (*sentry, error) {
	if h == 0 || int(h) > len(s.entries) {
		return nil, errors.Trap(errors.KindNotFound, "unknown channel handle")
	}
	e := &s.entries[h-1]
	if !e.valid {
		return nil, errors.Trap(errors.KindNotFound, "channel already released")
	}
	return e, nil
}

// Kind returns the channel kind behind a handle.
func (s *Streams) Kind(h uint32) (world.ChannelKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.kind, nil
}

// Write queues one value. A closed channel rejects writes; a future
// accepts exactly one value over its lifetime.
func (s *Streams) Write(h uint32, v *Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	if e.closed {
		return errors.Trap(errors.KindInvalidInput, "write to closed channel")
	}
	if e.kind == world.ChannelFuture {
		if e.sent {
			return errors.Trap(errors.KindInvalidInput, "future already resolved")
		}
		e.sent = true
	}
	e.queue = append(e.queue, v)
	return nil
}

// Read dequeues one value. ok is false when the channel is empty; the
// caller distinguishes drained-and-closed via Closed.
func (s *Streams) Read(h uint32) (v *Value, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(h)
	if err != nil {
		return nil, false, err
	}
	if len(e.queue) == 0 {
		return nil, false, nil
	}
	v = e.queue[0]
	e.queue = e.queue[1:]
	return v, true, nil
}

// Closed reports whether the channel has been closed.
func (s *Streams) Closed(h uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(h)
	if err != nil {
		return true
	}
	return e.closed
}

// Close marks the channel closed. Pending waiters run at the next Poll and
// observe the closure there.
func (s *Streams) Close(h uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	e.closed = true
	return nil
}

// Wait registers fn to run at the next Poll where h is readable or closed.
func (s *Streams) Wait(h uint32, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	e.waiters = append(e.waiters, fn)
	return nil
}

// Poll runs waiters of every channel that is readable or closed and
// returns how many ran. Waiters registered during a poll run at the next
// one.
func (s *Streams) Poll() int {
	s.mu.Lock()
	var ready []func()
	for i := range s.entries {
		e := &s.entries[i]
		if !e.valid || len(e.waiters) == 0 {
			continue
		}
		if len(e.queue) > 0 || e.closed {
			ready = append(ready, e.waiters...)
			e.waiters = nil
		}
	}
	s.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return len(ready)
}
