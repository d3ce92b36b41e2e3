package arena

import (
	"errors"
	"fmt"

	"github.com/rayforge/bvharena/pkg/xerrors"
)

// ErrAllocationTooLarge is returned when a single allocation request exceeds
// MaxAllocationSize.
var ErrAllocationTooLarge = errors.New("arena: allocation too large")

// ErrInvalidAlignment is returned when a caller requests an alignment
// greater than MaxAlignment.
//
// In debug builds this is also checked by an assertion, so release callers
// that ignore the returned error will still see a panic when built with
// the debug tag.
var ErrInvalidAlignment = errors.New("arena: alignment exceeds 64 bytes")

// HostError wraps an error returned by a [Host] method (mapping, heap
// allocation, or advisory calls) so callers can tell a resource failure
// apart from the allocator's own sentinel errors.
type HostError struct {
	Op  string
	Err error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("arena: host %s failed: %s", e.Op, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

func wrapHostError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HostError{Op: op, Err: err}
}

// AsAllocationError reports whether err is (or wraps) a *HostError, and
// returns it if so. Allocator sentinel errors such as ErrAllocationTooLarge
// do not match.
//
// This is a thin convenience over [xerrors.AsA] so callers don't need to
// import both errors and xerrors to sort allocator failures from host
// failures.
func AsAllocationError(err error) (*HostError, bool) {
	return xerrors.AsA[*HostError](err)
}
