package bridge

import (
	"testing"
)

func TestValueAccessors(t *testing.T) {
	if b, err := Bool(true).Bool(); err != nil || !b {
		t.Errorf("Bool = %v, %v", b, err)
	}
	if n, err := Int(-5).Int(); err != nil || n != -5 {
		t.Errorf("Int = %d, %v", n, err)
	}
	if n, err := Char('é').Int(); err != nil || n != int64('é') {
		t.Errorf("Char via Int = %d, %v", n, err)
	}
	if f, err := Float(2.5).Float(); err != nil || f != 2.5 {
		t.Errorf("Float = %v, %v", f, err)
	}
	if s, err := String("hi").Str(); err != nil || s != "hi" {
		t.Errorf("Str = %q, %v", s, err)
	}

	l := List(Int(1), Int(2))
	if n, err := l.Len(); err != nil || n != 2 {
		t.Errorf("Len = %d, %v", n, err)
	}
	if e, err := l.Elem(1); err != nil {
		t.Errorf("Elem: %v", err)
	} else if v, _ := e.Int(); v != 2 {
		t.Errorf("Elem(1) = %d", v)
	}
	if _, err := l.Elem(2); err == nil {
		t.Error("Elem out of range succeeded")
	}

	disc, payload, err := Err(String("boom")).Case()
	if err != nil || disc != 1 {
		t.Errorf("Case = %d, %v", disc, err)
	}
	if s, _ := payload.Str(); s != "boom" {
		t.Errorf("payload = %q", s)
	}
	if disc, payload, err := None().Case(); err != nil || disc != 0 || payload != nil {
		t.Errorf("None = %d, %v, %v", disc, payload, err)
	}
}

func TestValueKindMismatch(t *testing.T) {
	if _, err := Int(1).Str(); err == nil {
		t.Error("Str on int succeeded")
	}
	if _, err := String("x").Int(); err == nil {
		t.Error("Int on string succeeded")
	}
	if _, _, err := Int(1).Case(); err == nil {
		t.Error("Case on int succeeded")
	}
	var nilVal *Value
	if _, err := nilVal.Bool(); err == nil {
		t.Error("Bool on nil succeeded")
	}
}

func TestRecordFields(t *testing.T) {
	r := Record(String("a"), Int(3))
	if n, _ := r.Len(); n != 2 {
		t.Errorf("record Len = %d", n)
	}
	f, err := r.Elem(0)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := f.Str(); s != "a" {
		t.Errorf("field 0 = %q", s)
	}
}
