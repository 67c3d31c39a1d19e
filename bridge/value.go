package bridge

import (
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/world"
)

// ValueKind discriminates the interpreter value model.
type ValueKind uint8

const (
	ValBool ValueKind = iota + 1
	ValInt
	ValFloat
	ValChar
	ValString
	ValList
	ValRecord
	ValVariant
	ValFlags
	ValOwn
	ValBorrow
	ValChannel
)

var valueKindNames = map[ValueKind]string{
	ValBool:    "bool",
	ValInt:     "int",
	ValFloat:   "float",
	ValChar:    "char",
	ValString:  "string",
	ValList:    "list",
	ValRecord:  "record",
	ValVariant: "variant",
	ValFlags:   "flags",
	ValOwn:     "own",
	ValBorrow:  "borrow",
	ValChannel: "channel",
}

func (k ValueKind) String() string {
	if n, ok := valueKindNames[k]; ok {
		return n
	}
	return "invalid"
}

// Value is one interpreter-level value. Application callables receive and
// return values; the guest addresses them through i32 handles interned in
// the instance's value table.
type Value struct {
	Kind     ValueKind
	BoolVal  bool
	IntVal   int64
	FloatVal float64
	StrVal   string
	Elems    []*Value // list elements or record fields, in order
	Disc     uint32
	Payload  *Value // nil for a payload-less case
	Bits     uint64
	Resource uint32 // resource index for own/borrow
	Rep      uint32
	Handle   uint32 // handle-table or channel-table slot
	Epoch    uint64 // borrow validity epoch
	Channel  world.ChannelKind
}

func Bool(b bool) *Value      { return &Value{Kind: ValBool, BoolVal: b} }
func Int(v int64) *Value      { return &Value{Kind: ValInt, IntVal: v} }
func Float(v float64) *Value  { return &Value{Kind: ValFloat, FloatVal: v} }
func Char(r rune) *Value      { return &Value{Kind: ValChar, IntVal: int64(r)} }
func String(s string) *Value  { return &Value{Kind: ValString, StrVal: s} }
func Flags(bits uint64) *Value { return &Value{Kind: ValFlags, Bits: bits} }

func List(elems ...*Value) *Value   { return &Value{Kind: ValList, Elems: elems} }
func Record(fields ...*Value) *Value { return &Value{Kind: ValRecord, Elems: fields} }

// Variant builds a variant/option/result value. payload may be nil.
func Variant(disc uint32, payload *Value) *Value {
	return &Value{Kind: ValVariant, Disc: disc, Payload: payload}
}

// OK and Err build the two result arms; Some and None the option ones.
func OK(payload *Value) *Value   { return Variant(0, payload) }
func Err(payload *Value) *Value  { return Variant(1, payload) }
func None() *Value               { return Variant(0, nil) }
func Some(payload *Value) *Value { return Variant(1, payload) }

// Own builds an owned resource value from its representation.
func Own(ridx, rep uint32) *Value {
	return &Value{Kind: ValOwn, Resource: ridx, Rep: rep}
}

func (v *Value) expect(k ValueKind) error {
	if v == nil {
		return errors.Trap(errors.KindInvalidInput, "nil value where "+k.String()+" expected")
	}
	if v.Kind != k {
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Detail("%s value where %s expected", v.Kind, k).
			Build()
	}
	return nil
}

// Bool returns the boolean payload.
func (v *Value) Bool() (bool, error) {
	if err := v.expect(ValBool); err != nil {
		return false, err
	}
	return v.BoolVal, nil
}

// Int returns the integer payload. Covers every integral wit type; the
// accessor side truncates to the declared width.
func (v *Value) Int() (int64, error) {
	if v == nil || (v.Kind != ValInt && v.Kind != ValChar) {
		return 0, v.expect(ValInt)
	}
	return v.IntVal, nil
}

// Float returns the float payload.
func (v *Value) Float() (float64, error) {
	if err := v.expect(ValFloat); err != nil {
		return 0, err
	}
	return v.FloatVal, nil
}

// Str returns the string payload.
func (v *Value) Str() (string, error) {
	if err := v.expect(ValString); err != nil {
		return "", err
	}
	return v.StrVal, nil
}

// Len returns the element count of a list or record.
func (v *Value) Len() (int, error) {
	if v == nil || (v.Kind != ValList && v.Kind != ValRecord) {
		return 0, v.expect(ValList)
	}
	return len(v.Elems), nil
}

// Elem returns the i'th list element or record field.
func (v *Value) Elem(i int) (*Value, error) {
	if v == nil || (v.Kind != ValList && v.Kind != ValRecord) {
		return nil, v.expect(ValList)
	}
	if i < 0 || i >= len(v.Elems) {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(i), 1)
	}
	return v.Elems[i], nil
}

// Case returns the discriminant and payload of a variant value.
func (v *Value) Case() (uint32, *Value, error) {
	if err := v.expect(ValVariant); err != nil {
		return 0, nil, err
	}
	return v.Disc, v.Payload, nil
}
