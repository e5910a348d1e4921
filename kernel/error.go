package kernel

// ErrorKind classifies a kernel error according to how the caller is
// expected to react to it.
type ErrorKind uint8

const (
	// KindExhausted is reported when a resource (frames, virtual address
	// space, heap memory) has run out. Callers may recover.
	KindExhausted ErrorKind = iota

	// KindMisuse is reported when an operation was invoked with arguments
	// that violate its contract (e.g. freeing an invalid pointer). The
	// operation is aborted without altering any state.
	KindMisuse

	// KindCorruption is reported when an internal structure fails its
	// integrity check. Errors of this kind are never returned to callers;
	// they are passed to kfmt.Panic which halts the system.
	KindCorruption
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindExhausted:
		return "exhausted"
	case KindMisuse:
		return "misuse"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
