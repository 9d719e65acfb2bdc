// Package skerr provides errors that remember where they were created or
// wrapped, so a log line shows the call path without a full stack dump.
package skerr

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// StackTrace is one frame of a recorded call path.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// ErrorWithContext is an error that carries the call path at the point it was
// created or wrapped, plus any extra context added by Wrapf.
type ErrorWithContext struct {
	Wrapped   error
	CallStack []StackTrace
}

// CallStack returns the frames above the caller, starting startAt levels up.
func CallStack(height, startAt int) []StackTrace {
	stack := []StackTrace{}
	for i := 0; i < height; i++ {
		_, file, line, ok := runtime.Caller(startAt + i)
		if !ok {
			break
		}
		// Keep the path short: the package directory and the file name.
		dir, name := filepath.Split(file)
		file = filepath.Join(filepath.Base(dir), name)
		stack = append(stack, StackTrace{File: file, Line: line})
	}
	return stack
}

// Fmt is like fmt.Errorf, but records the call site.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   errors.Errorf(format, args...),
		CallStack: CallStack(5, 2),
	}
}

// Wrap records the call site on err. Wrapping nil returns nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if ewc, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   ewc.Wrapped,
			CallStack: append(CallStack(1, 2), ewc.CallStack...),
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(5, 2),
	}
}

// Wrapf is like Wrap but prepends a formatted message to err's text.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if ewc, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   errors.WithMessage(ewc.Wrapped, msg),
			CallStack: append(CallStack(1, 2), ewc.CallStack...),
		}
	}
	return &ErrorWithContext{
		Wrapped:   errors.WithMessage(err, msg),
		CallStack: CallStack(5, 2),
	}
}

// Unwrap returns the innermost error, stripping every layer of context.
func Unwrap(err error) error {
	return errors.Cause(err)
}

func (e *ErrorWithContext) Error() string {
	var out strings.Builder
	out.WriteString(e.Wrapped.Error())
	out.WriteString(". At")
	for _, st := range e.CallStack {
		out.WriteString(" ")
		out.WriteString(st.String())
	}
	return out.String()
}

// Cause implements the interface used by errors.Cause.
func (e *ErrorWithContext) Cause() error {
	return e.Wrapped
}

// Unwrap lets errors.Is and errors.As see through the context.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}
