package lifecycle

import (
	"fmt"

	"roadwatch/api/internal/store"
)

// ValidationError is a precondition that does not hold. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PermissionError is an action the actor is not allowed to take. Nothing
// was written.
type PermissionError struct {
	Role   store.Role
	Action string
	Reason string
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("%s may not %s", e.Role, e.Action)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func forbidden(actor Actor, action, reason string) error {
	var role store.Role
	if actor != nil {
		role = actor.Role()
	}
	return &PermissionError{Role: role, Action: action, Reason: reason}
}
