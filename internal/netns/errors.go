package netns

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrCreate is returned when the kernel refuses a new network namespace.
	ErrCreate = errors.New("namespace create failed")

	// ErrEnter is returned when switching into a namespace is rejected.
	ErrEnter = errors.New("namespace enter failed")

	// ErrPermission accompanies ErrCreate or ErrEnter when the caller lacks
	// CAP_SYS_ADMIN / CAP_NET_ADMIN.
	ErrPermission = errors.New("insufficient privilege")

	ErrClosed = errors.New("namespace closed")
)

// Error records which namespace operation failed and why. It matches its
// Kind, the underlying cause, and ErrPermission for EPERM/EACCES causes.
type Error struct {
	Kind error
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Name, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind, e.Err}
	if errors.Is(e.Err, unix.EPERM) || errors.Is(e.Err, unix.EACCES) {
		errs = append(errs, ErrPermission)
	}
	return errs
}

func classify(kind error, name string, err error) error {
	return &Error{Kind: kind, Name: name, Err: err}
}
