// Package errors provides structured error types for the componentize build engine.
//
// Errors are categorized by Phase (where in the pipeline the error occurred)
// and Kind (error category). The Error type includes rich context: the
// interface/function/type path, the structural type name, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMap, errors.KindUnsupportedType).
//		Path("exports", "handler", "request").
//		WitType("record").
//		Detail("type recurses into itself by value").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Signature("handler", "handle", "result arity exceeds policy")
//	err := errors.BorrowExpired(handle)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
