package fingerprint

import "fmt"

// MalformedChunkNameError is returned for names that do not follow the section grammar.
type MalformedChunkNameError struct {
	Name   string
	Reason string
}

func (e *MalformedChunkNameError) Error() string {
	return fmt.Sprintf("malformed chunk name %q: %s", e.Name, e.Reason)
}

// SessionIdentityAmbiguityError is returned when a name carries more than one section
// token, so the prefix and the index can not be told apart. It unwraps to a
// MalformedChunkNameError.
type SessionIdentityAmbiguityError struct {
	Name string
}

func (e *SessionIdentityAmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous chunk name %q: more than one %s token", e.Name, sectionToken)
}

func (e *SessionIdentityAmbiguityError) Unwrap() error {
	return &MalformedChunkNameError{Name: e.Name, Reason: "ambiguous session identity"}
}
