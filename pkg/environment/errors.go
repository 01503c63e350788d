package environment

import "fmt"

// GuestCallFailureError wraps the message recorded in guest_error (or a
// diagnostic placeholder) when a guest call does not succeed.
type GuestCallFailureError struct {
	Message string
}

func (e *GuestCallFailureError) Error() string {
	return fmt.Sprintf("guest call failure: %s", e.Message)
}

// GuestCallNotFoundError is returned when the compiled module doesn't
// export a typed (i32, i32) -> i32 function named __guest_call.
type GuestCallNotFoundError struct{}

func (e *GuestCallNotFoundError) Error() string { return "guest module does not export __guest_call" }

// InitializationFailedError wraps a trap raised by a starter export.
type InitializationFailedError struct {
	Starter string
	Cause   error
}

func (e *InitializationFailedError) Error() string {
	return fmt.Sprintf("initialization failed in %s: %v", e.Starter, e.Cause)
}

func (e *InitializationFailedError) Unwrap() error { return e.Cause }

// InitializationTimeoutError wraps a starter trap attributable to its
// epoch/deadline expiring rather than any other trap.
type InitializationTimeoutError struct {
	Starter string
}

func (e *InitializationTimeoutError) Error() string {
	return fmt.Sprintf("initialization of %s exceeded its deadline", e.Starter)
}

// UnknownImportError is returned when a guest module imports a function
// under a namespace other than "wapc" or the two WASI namespaces.
type UnknownImportError struct {
	Module string
	Name   string
}

func (e *UnknownImportError) Error() string {
	return fmt.Sprintf("unknown import %s.%s", e.Module, e.Name)
}
