package bridge

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/componentize/errors"
)

func TestHandleTableDtorExactlyOnce(t *testing.T) {
	drops := map[uint32]int{}
	tab := NewHandleTable(func(ridx, rep uint32) { drops[rep]++ })

	const n = 8
	handles := make([]uint32, 0, n)
	for rep := uint32(0); rep < n; rep++ {
		handles = append(handles, tab.Insert(0, rep))
	}
	if tab.Len() != n {
		t.Fatalf("live = %d", tab.Len())
	}

	for _, h := range handles {
		if err := tab.Drop(h); err != nil {
			t.Fatalf("drop %d: %v", h, err)
		}
	}
	if tab.Len() != 0 {
		t.Errorf("live after drops = %d", tab.Len())
	}
	for rep := uint32(0); rep < n; rep++ {
		if drops[rep] != 1 {
			t.Errorf("rep %d dropped %d times", rep, drops[rep])
		}
	}
}

func TestHandleTableDoubleDrop(t *testing.T) {
	calls := 0
	tab := NewHandleTable(func(_, _ uint32) { calls++ })

	h := tab.Insert(1, 42)
	if err := tab.Drop(h); err != nil {
		t.Fatalf("first drop: %v", err)
	}
	if err := tab.Drop(h); err == nil {
		t.Fatal("second drop succeeded")
	}
	if calls != 1 {
		t.Errorf("dtor ran %d times", calls)
	}
}

func TestHandleTableRemoveSkipsDtor(t *testing.T) {
	calls := 0
	tab := NewHandleTable(func(_, _ uint32) { calls++ })

	h := tab.Insert(3, 7)
	ridx, rep, err := tab.Remove(h)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ridx != 3 || rep != 7 {
		t.Errorf("removed (%d, %d)", ridx, rep)
	}
	if calls != 0 {
		t.Errorf("dtor ran on ownership transfer")
	}
	if _, _, err := tab.Get(h); err == nil {
		t.Error("handle still live after remove")
	}
}

func TestHandleTableSlotReuse(t *testing.T) {
	tab := NewHandleTable(nil)

	a := tab.Insert(0, 1)
	b := tab.Insert(0, 2)
	if err := tab.Drop(a); err != nil {
		t.Fatal(err)
	}
	c := tab.Insert(0, 3)
	if c != a {
		t.Errorf("freed slot not reused: got %d, want %d", c, a)
	}
	if _, rep, _ := tab.Get(b); rep != 2 {
		t.Errorf("neighbor clobbered: rep = %d", rep)
	}
	if _, rep, _ := tab.Get(c); rep != 3 {
		t.Errorf("reused slot rep = %d", rep)
	}
}

func TestBorrowExpiresAtEndCall(t *testing.T) {
	tab := NewHandleTable(nil)
	h := tab.Insert(0, 99)

	b, err := tab.Borrow(h)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := tab.CheckBorrow(b); err != nil {
		t.Fatalf("fresh borrow rejected: %v", err)
	}

	tab.EndCall()

	err = tab.CheckBorrow(b)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindBorrowExpired {
		t.Fatalf("err = %v, want borrow-expired", err)
	}

	// The handle itself survives; only the borrow is dead.
	if _, rep, err := tab.Get(h); err != nil || rep != 99 {
		t.Errorf("owner handle damaged: rep=%d err=%v", rep, err)
	}
}

func TestHandleTableZeroInvalid(t *testing.T) {
	tab := NewHandleTable(nil)
	if _, _, err := tab.Get(0); err == nil {
		t.Error("handle 0 resolved")
	}
	if _, _, err := tab.Get(5); err == nil {
		t.Error("out-of-range handle resolved")
	}
}

func TestDrainOwned(t *testing.T) {
	drops := 0
	tab := NewHandleTable(func(_, _ uint32) { drops++ })

	h1 := tab.Insert(0, 1)
	tab.Insert(0, 2)
	tab.Insert(0, 3)
	if err := tab.Drop(h1); err != nil {
		t.Fatal(err)
	}

	if n := tab.DrainOwned(); n != 2 {
		t.Errorf("drained %d", n)
	}
	if drops != 3 {
		t.Errorf("dtor total = %d", drops)
	}
	if tab.Len() != 0 {
		t.Errorf("live after drain = %d", tab.Len())
	}
}
