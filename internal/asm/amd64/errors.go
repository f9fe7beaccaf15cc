package amd64

import "errors"

var (
	// ErrUnsupported is returned when a function uses an argument or result
	// combination the calling convention cannot express. It aborts the
	// compilation of that function only.
	ErrUnsupported = errors.New("unsupported by calling convention")

	// ErrNoPattern means an instruction survived legalization in a shape the
	// pattern table cannot encode. Legalization and the table have drifted
	// apart, so callers should treat it as fatal for the whole process.
	ErrNoPattern = errors.New("no pattern matches instruction")

	// ErrRelocOverflow means a resolved displacement does not fit the field
	// chosen during selection, i.e. size estimation was not an upper bound.
	ErrRelocOverflow = errors.New("relocation out of range")

	// ErrPatch is returned for patch requests on sites that cannot be
	// rewritten atomically.
	ErrPatch = errors.New("invalid patch site")
)
