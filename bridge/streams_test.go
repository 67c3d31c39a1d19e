package bridge

import (
	"testing"

	"github.com/wippyai/componentize/world"
)

func TestStreamWriteRead(t *testing.T) {
	s := NewStreams()
	h := s.Open(world.ChannelStream)

	for i := int64(0); i < 3; i++ {
		if err := s.Write(h, Int(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := int64(0); i < 3; i++ {
		v, ok, err := s.Read(h)
		if err != nil || !ok {
			t.Fatalf("read %d: ok=%v err=%v", i, ok, err)
		}
		if got, _ := v.Int(); got != i {
			t.Errorf("read %d = %d", i, got)
		}
	}
	if _, ok, _ := s.Read(h); ok {
		t.Error("read from drained stream reported a value")
	}
}

func TestStreamClose(t *testing.T) {
	s := NewStreams()
	h := s.Open(world.ChannelStream)

	if err := s.Write(h, Int(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(h); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(h, Int(2)); err == nil {
		t.Error("write to closed stream succeeded")
	}

	// Queued values remain readable after close.
	v, ok, err := s.Read(h)
	if err != nil || !ok {
		t.Fatalf("drain after close: ok=%v err=%v", ok, err)
	}
	if got, _ := v.Int(); got != 1 {
		t.Errorf("drained %d", got)
	}
	if !s.Closed(h) {
		t.Error("Closed = false")
	}
}

func TestFutureSingleDelivery(t *testing.T) {
	s := NewStreams()
	h := s.Open(world.ChannelFuture)

	if err := s.Write(h, String("done")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(h, String("again")); err == nil {
		t.Error("second future write succeeded")
	}

	v, ok, _ := s.Read(h)
	if !ok {
		t.Fatal("future value missing")
	}
	if got, _ := v.Str(); got != "done" {
		t.Errorf("future = %q", got)
	}

	// Resolved stays resolved: draining does not reopen the slot.
	if err := s.Write(h, String("late")); err == nil {
		t.Error("write after resolution succeeded")
	}
}

func TestPollRunsReadyWaiters(t *testing.T) {
	s := NewStreams()
	ready := s.Open(world.ChannelStream)
	idle := s.Open(world.ChannelStream)

	var fired []string
	if err := s.Wait(ready, func() { fired = append(fired, "ready") }); err != nil {
		t.Fatal(err)
	}
	if err := s.Wait(idle, func() { fired = append(fired, "idle") }); err != nil {
		t.Fatal(err)
	}

	if n := s.Poll(); n != 0 {
		t.Fatalf("poll with nothing readable ran %d waiters", n)
	}

	if err := s.Write(ready, Int(7)); err != nil {
		t.Fatal(err)
	}
	if n := s.Poll(); n != 1 {
		t.Fatalf("poll ran %d waiters", n)
	}
	if len(fired) != 1 || fired[0] != "ready" {
		t.Errorf("fired = %v", fired)
	}

	// Waiters are one-shot.
	if n := s.Poll(); n != 0 {
		t.Errorf("second poll ran %d waiters", n)
	}
}

func TestPollObservesClose(t *testing.T) {
	// Cooperative cancellation: close marks the channel, the waiter runs at
	// the next poll and sees it closed.
	s := NewStreams()
	h := s.Open(world.ChannelFuture)

	sawClosed := false
	if err := s.Wait(h, func() { sawClosed = s.Closed(h) }); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(h); err != nil {
		t.Fatal(err)
	}
	if n := s.Poll(); n != 1 {
		t.Fatalf("poll ran %d waiters", n)
	}
	if !sawClosed {
		t.Error("waiter did not observe closure")
	}
}

func TestWaiterRegisteredDuringPollDefers(t *testing.T) {
	s := NewStreams()
	h := s.Open(world.ChannelStream)
	if err := s.Write(h, Int(1)); err != nil {
		t.Fatal(err)
	}

	runs := 0
	var rearm func()
	rearm = func() {
		runs++
		_ = s.Wait(h, rearm)
	}
	if err := s.Wait(h, rearm); err != nil {
		t.Fatal(err)
	}

	if n := s.Poll(); n != 1 {
		t.Fatalf("first poll ran %d", n)
	}
	if runs != 1 {
		t.Fatalf("waiter ran %d times in one poll", runs)
	}
	if n := s.Poll(); n != 1 {
		t.Fatalf("second poll ran %d", n)
	}
	if runs != 2 {
		t.Errorf("runs = %d", runs)
	}
}
