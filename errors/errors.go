package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the build or run pipeline the error occurred
type Phase string

const (
	PhaseResolve  Phase = "resolve"  // world loading and validation
	PhaseMap      Phase = "map"      // canonical layout computation
	PhaseBind     Phase = "bind"     // core signature derivation
	PhaseCodegen  Phase = "codegen"  // bindings module generation
	PhaseAssemble Phase = "assemble" // merge and component emission
	PhaseRuntime  Phase = "runtime"  // running a produced artifact
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedType Kind = "unsupported_type"
	KindSignature       Kind = "signature"
	KindAssembly        Kind = "assembly"
	KindTrap            Kind = "trap"
	KindReentrancy      Kind = "reentrancy"
	KindBorrowExpired   Kind = "borrow_expired"
	KindInvalidUTF8     Kind = "invalid_utf8"
	KindOutOfBounds     Kind = "out_of_bounds"
	KindUncaught        Kind = "uncaught"
	KindInvalidVariant  Kind = "invalid_variant"
	KindAllocation      Kind = "allocation"
	KindOverflow        Kind = "overflow"
	KindNotFound        Kind = "not_found"
	KindInvalidInput    Kind = "invalid_input"
	KindInstantiation   Kind = "instantiation"
)

// Error is the structured error type used throughout the build engine
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	WitType string
	Detail  string
	Path    []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.WitType != "" {
		b.WriteString(": type ")
		b.WriteString(e.WitType)
	}

	if e.Detail != "" {
		if e.WitType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the interface/function/type path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// WitType sets the structural type name
func (b *Builder) WitType(t string) *Builder {
	b.err.WitType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// UnsupportedType reports a type the fixed type-system version cannot express.
func UnsupportedType(phase Phase, path []string, witType, detail string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindUnsupportedType,
		Path:    path,
		WitType: witType,
		Detail:  detail,
	}
}

// Signature reports a function whose calling convention cannot be derived.
func Signature(iface, fn, detail string) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindSignature,
		Path:   []string{iface, fn},
		Detail: detail,
	}
}

// Assembly reports a failure to produce or validate the component artifact.
func Assembly(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseAssemble,
		Kind:   KindAssembly,
		Detail: detail,
		Cause:  cause,
	}
}

// Trap reports an unrecoverable runtime fault that aborts the instance.
func Trap(kind Kind, detail string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   kind,
		Detail: detail,
	}
}

// Reentrancy reports a call into an instance that is already executing.
func Reentrancy(fn string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindReentrancy,
		Path:   []string{fn},
		Detail: "instance entered while a call is in progress",
	}
}

// BorrowExpired reports use of a borrowed handle after its call returned.
func BorrowExpired(handle uint32) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindBorrowExpired,
		Detail: fmt.Sprintf("borrowed handle %d used after its originating call returned", handle),
		Value:  handle,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// InvalidDiscriminant creates an invalid discriminant error for variants/enums
func InvalidDiscriminant(phase Phase, path []string, disc uint32, maxValid uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidVariant,
		Path:   path,
		Detail: fmt.Sprintf("discriminant %d out of range (max %d)", disc, maxValid),
		Value:  disc,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, offset, length uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("region [%d, %d) outside linear memory", offset, offset+length),
		Value:  offset,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindOverflow,
		Path:    path,
		WitType: targetType,
		Detail:  fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:   value,
	}
}

// Uncaught reports an interpreter exception with no declared error case.
func Uncaught(fn, message string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindUncaught,
		Path:   []string{fn},
		Detail: message,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingIntrinsic is a single interpreter intrinsic the bindings module
// imports but the frozen interpreter does not export.
type MissingIntrinsic struct {
	Module string // import module, e.g. "interp"
	Name   string // e.g. "dispatch"
}

// MissingIntrinsicsError is returned when merging fails because intrinsic
// imports cannot be resolved against the interpreter's exports.
type MissingIntrinsicsError struct {
	Intrinsics []MissingIntrinsic
}

func (e *MissingIntrinsicsError) Error() string {
	if len(e.Intrinsics) == 0 {
		return "[assemble] assembly: no unresolved intrinsics listed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "interpreter is missing %d intrinsic(s):", len(e.Intrinsics))
	for _, in := range e.Intrinsics {
		b.WriteString("\n  - ")
		b.WriteString(in.Module)
		b.WriteByte('.')
		b.WriteString(in.Name)
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *MissingIntrinsicsError) Is(target error) bool {
	_, ok := target.(*MissingIntrinsicsError)
	return ok
}
