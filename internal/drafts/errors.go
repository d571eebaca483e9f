package drafts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound               = errors.New("draft not found")
	ErrStoreUnavailable       = errors.New("draft store unavailable")
	ErrExternalDeliveryFailed = errors.New("external delivery failed")
)

// ValidationError reports a patch or submission that was rejected before
// reaching the store. Fields maps field name to problem.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func invalid(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
