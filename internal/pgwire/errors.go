package pgwire

import (
	"context"
	"errors"

	"duck-audit/internal/domain"
)

// Coder is implemented by errors that carry their own SQLSTATE.
type Coder interface {
	SQLState() string
}

// SQLState maps an error to the SQLSTATE reported to the client.
func SQLState(err error) string {
	if err == nil {
		return "00000"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "57014"
	}

	var coder Coder
	if errors.As(err, &coder) {
		return coder.SQLState()
	}
	var accessDenied *domain.AccessDeniedError
	if errors.As(err, &accessDenied) {
		return "42501"
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return "42704"
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return "22023"
	}
	var notImplemented *domain.NotImplementedError
	if errors.As(err, &notImplemented) {
		return "0A000"
	}

	// Audit stack inconsistencies and unclassified engine failures.
	return "XX000"
}
