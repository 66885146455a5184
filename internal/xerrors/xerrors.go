// Package xerrors adds call-site information to errors without changing
// their messages. Wrap records one program counter, New and WithStack record
// a full stack. The logger reads both back when rendering an error.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// stack captures the caller's caller's stack, skipping runtime.Callers,
// stack itself, and the exported function that called it.
func stack() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	return pcs[:runtime.Callers(3, pcs)]
}

// caller returns the PC of whoever called the exported function.
func caller() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the current stack.
func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stack()}
}

// Newf formats like fmt.Errorf, %w included, and records the stack.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stack()}
}

// WithStack records the current stack on err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stack()}
}

// EnsureTrace is WithStack unless something in the chain already carries a
// stack. Used at boundaries where errors from libraries come in.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stack()}
}

// Wrap prefixes err with msg and records the calling line. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller()}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}
