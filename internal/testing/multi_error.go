package testing

import "strings"

// MultiError reports several failed file checks as one error, one per line.
type MultiError []error

func (m MultiError) Error() string {
	lines := make([]string, 0, len(m))
	for _, err := range m {
		if err != nil {
			lines = append(lines, err.Error())
		}
	}
	return strings.Join(lines, "\n")
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m MultiError) Unwrap() []error {
	return m
}

// AppendErr adds err to m unless it is nil.
func AppendErr(m *MultiError, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
