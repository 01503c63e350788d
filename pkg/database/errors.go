package database

import "fmt"

// BadRequestError reports a malformed connection/open URL or unsupported
// scheme.
type BadRequestError struct{ Reason string }

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("database: bad request: %s", e.Reason)
}

// ParamOverflowError is returned when a u64 parameter doesn't fit in an
// int64 (spec.md §4.G parameter encoding).
type ParamOverflowError struct{}

func (e *ParamOverflowError) Error() string {
	return "database: parameter overflows 64-bit integer"
}

// InvalidParamError reports a parameter stream that doesn't decode to a
// recognized msgpack scalar.
type InvalidParamError struct{ Reason string }

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("database: invalid parameter: %s", e.Reason)
}

// QueryError wraps a database/sql failure from query or execute.
type QueryError struct{ Message string }

func (e *QueryError) Error() string { return fmt.Sprintf("database: %s", e.Message) }
