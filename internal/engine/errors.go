package engine

import (
	"errors"

	"github.com/duckdb/duckdb-go/v2"
)

// Error is a DuckDB failure with the SQLSTATE reported to clients.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string    { return e.Err.Error() }
func (e *Error) Unwrap() error    { return e.Err }
func (e *Error) SQLState() string { return e.Code }

var sqlStates = map[duckdb.ErrorType]string{
	duckdb.ErrorTypeCatalog:        "42P01",
	duckdb.ErrorTypeParser:         "42601",
	duckdb.ErrorTypeSyntax:         "42601",
	duckdb.ErrorTypeBinder:         "42703",
	duckdb.ErrorTypeConstraint:     "23505",
	duckdb.ErrorTypeInterrupt:      "57014",
	duckdb.ErrorTypeDivideByZero:   "22012",
	duckdb.ErrorTypeConversion:     "22P02",
	duckdb.ErrorTypeOutOfRange:     "22003",
	duckdb.ErrorTypeTransaction:    "25000",
	duckdb.ErrorTypeNotImplemented: "0A000",
	duckdb.ErrorTypePermission:     "42501",
}

func wrapError(err error) error {
	var de *duckdb.Error
	if !errors.As(err, &de) {
		return err
	}
	code, ok := sqlStates[de.Type]
	if !ok {
		code = "XX000"
	}
	return &Error{Code: code, Err: err}
}
