package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:   PhaseMap,
				Kind:    KindUnsupportedType,
				Path:    []string{"exports", "handler", "request"},
				WitType: "record",
				Detail:  "recurses by value",
			},
			contains: []string{"[map]", "unsupported_type", "exports.handler.request", "record", "recurses by value"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseRuntime,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[runtime]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseAssemble,
				Kind:   KindAssembly,
				Detail: "core module rejected",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[assemble]", "assembly", "core module rejected", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseAssemble,
		Kind:  KindAssembly,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseMap,
		Kind:  KindUnsupportedType,
		Path:  []string{"foo"},
	}

	if !err.Is(&Error{Phase: PhaseMap, Kind: KindUnsupportedType}) {
		t.Error("Is should match same phase and kind")
	}

	if err.Is(&Error{Phase: PhaseBind, Kind: KindUnsupportedType}) {
		t.Error("Is should not match different phase")
	}

	if err.Is(&Error{Phase: PhaseMap, Kind: KindOutOfBounds}) {
		t.Error("Is should not match different kind")
	}

	target := &Error{Phase: PhaseMap, Kind: KindUnsupportedType}
	if !errors.Is(err, target) {
		t.Error("errors.Is should match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseMap, KindUnsupportedType).
		Path("exports", "counter").
		WitType("variant").
		Value(42).
		Cause(cause).
		Detail("case %d of %d", 42, 3).
		Build()

	if err.Phase != PhaseMap {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseMap)
	}
	if err.Kind != KindUnsupportedType {
		t.Errorf("Kind = %v, want %v", err.Kind, KindUnsupportedType)
	}
	if len(err.Path) != 2 || err.Path[0] != "exports" || err.Path[1] != "counter" {
		t.Errorf("Path = %v, want [exports counter]", err.Path)
	}
	if err.WitType != "variant" {
		t.Errorf("WitType = %v, want 'variant'", err.WitType)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "case 42 of 3" {
		t.Errorf("Detail = %v, want 'case 42 of 3'", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("UnsupportedType", func(t *testing.T) {
		err := UnsupportedType(PhaseResolve, []string{"tree"}, "record", "recursive by value")
		if err.Kind != KindUnsupportedType {
			t.Errorf("Kind = %v, want %v", err.Kind, KindUnsupportedType)
		}
		if err.WitType != "record" {
			t.Errorf("WitType = %v, want 'record'", err.WitType)
		}
	})

	t.Run("Signature", func(t *testing.T) {
		err := Signature("handler", "handle", "cannot derive convention")
		if err.Phase != PhaseBind || err.Kind != KindSignature {
			t.Errorf("Phase/Kind = %v/%v", err.Phase, err.Kind)
		}
		if len(err.Path) != 2 || err.Path[1] != "handle" {
			t.Errorf("Path = %v", err.Path)
		}
	})

	t.Run("Assembly", func(t *testing.T) {
		cause := errors.New("compile failed")
		err := Assembly("merged module invalid", cause)
		if err.Phase != PhaseAssemble || err.Kind != KindAssembly {
			t.Errorf("Phase/Kind = %v/%v", err.Phase, err.Kind)
		}
		if !errors.Is(err.Cause, cause) {
			t.Error("cause not preserved")
		}
	})

	t.Run("Reentrancy", func(t *testing.T) {
		err := Reentrancy("handler#handle")
		if err.Kind != KindReentrancy {
			t.Errorf("Kind = %v, want %v", err.Kind, KindReentrancy)
		}
	})

	t.Run("BorrowExpired", func(t *testing.T) {
		err := BorrowExpired(7)
		if err.Kind != KindBorrowExpired {
			t.Errorf("Kind = %v, want %v", err.Kind, KindBorrowExpired)
		}
		if err.Value != uint32(7) {
			t.Errorf("Value = %v, want 7", err.Value)
		}
	})

	t.Run("InvalidUTF8", func(t *testing.T) {
		err := InvalidUTF8(PhaseRuntime, []string{"str"}, []byte{0xff, 0xfe})
		if err.Kind != KindInvalidUTF8 {
			t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidUTF8)
		}
	})

	t.Run("InvalidDiscriminant", func(t *testing.T) {
		err := InvalidDiscriminant(PhaseRuntime, []string{"variant"}, 5, 3)
		if err.Kind != KindInvalidVariant {
			t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidVariant)
		}
	})

	t.Run("AllocationFailed", func(t *testing.T) {
		err := AllocationFailed(PhaseRuntime, 1024, 8)
		if err.Kind != KindAllocation {
			t.Errorf("Kind = %v, want %v", err.Kind, KindAllocation)
		}
		if !strings.Contains(err.Detail, "1024") {
			t.Errorf("Detail = %v, should contain size", err.Detail)
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		err := OutOfBounds(PhaseRuntime, []string{"list"}, 65536, 16)
		if err.Kind != KindOutOfBounds {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfBounds)
		}
		if err.Value != uint64(65536) {
			t.Errorf("Value = %v, want 65536", err.Value)
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		err := Overflow(PhaseMap, []string{"val"}, 300, "u8")
		if err.Kind != KindOverflow {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOverflow)
		}
		if err.Value != 300 {
			t.Errorf("Value = %v, want 300", err.Value)
		}
	})

	t.Run("Uncaught", func(t *testing.T) {
		err := Uncaught("handler#handle", "ZeroDivisionError: division by zero")
		if err.Kind != KindUncaught {
			t.Errorf("Kind = %v, want %v", err.Kind, KindUncaught)
		}
		if !strings.Contains(err.Detail, "ZeroDivisionError") {
			t.Errorf("Detail = %v", err.Detail)
		}
	})
}

func TestMissingIntrinsicsError(t *testing.T) {
	t.Run("single intrinsic", func(t *testing.T) {
		err := &MissingIntrinsicsError{Intrinsics: []MissingIntrinsic{
			{Module: "interp", Name: "dispatch"},
		}}
		msg := err.Error()
		if !strings.Contains(msg, "1 intrinsic") {
			t.Errorf("error should contain count, got %q", msg)
		}
		if !strings.Contains(msg, "interp.dispatch") {
			t.Errorf("error should name the intrinsic, got %q", msg)
		}
	})

	t.Run("multiple intrinsics", func(t *testing.T) {
		err := &MissingIntrinsicsError{Intrinsics: []MissingIntrinsic{
			{Module: "interp", Name: "dispatch"},
			{Module: "interp", Name: "string-new"},
		}}
		msg := err.Error()
		if !strings.Contains(msg, "2 intrinsic") {
			t.Errorf("error should contain count, got %q", msg)
		}
		if !strings.Contains(msg, "string-new") {
			t.Errorf("error should name each intrinsic, got %q", msg)
		}
	})

	t.Run("errors.Is", func(t *testing.T) {
		err := &MissingIntrinsicsError{Intrinsics: []MissingIntrinsic{{Module: "interp", Name: "alloc"}}}
		if !errors.Is(err, &MissingIntrinsicsError{}) {
			t.Error("errors.Is should match MissingIntrinsicsError")
		}
	})
}
