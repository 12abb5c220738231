package metadata

import (
	"github.com/juju/errors"
)

const (
	// ErrNotAModule is returned by Open when a file is not a managed module:
	// bad DOS/PE headers, no CLI header, truncated data or malformed metadata.
	ErrNotAModule = errors.ConstError("not a managed module")

	// ErrMalformedBody is returned when a method body header or its CIL cannot be read.
	ErrMalformedBody = errors.ConstError("malformed method body")
)

// notAModule annotates ErrNotAModule with the file path and the cause.
func notAModule(path string, format string, args ...any) error {
	return errors.Annotatef(ErrNotAModule, "%s: "+format, append([]any{path}, args...)...)
}
