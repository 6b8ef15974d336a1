// Package xerrors records where errors were created and wrapped. New, Newf
// and EnsureTrace capture a stack; Wrap and Wrapf record the one frame that
// added context. The log package renders both as error_links and stack.
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

// stack captures the caller of the exported function that called it.
func stack() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// runtime.Callers, stack, exported func
	return pcs[:runtime.Callers(3, pcs)]
}

func caller() uintptr {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	return pcs[0]
}

func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stack()}
}

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stack()}
}

// EnsureTrace adds a stack to err unless something in its chain already
// carries one. Use it where an error from a library leaves our code.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s interface{ StackPCs() []uintptr }
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stack()}
}

// Wrap prefixes err with msg and records the call site. A nil err stays nil,
// so "return xerrors.Wrap(err, ...)" is safe without a check.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}
