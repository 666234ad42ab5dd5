// Package kernel provides the common types shared by the Valen kernel
// subsystems.
package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure; fallible operations
// return one of these sentinels so callers can classify a failure with a
// plain pointer comparison.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
