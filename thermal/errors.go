// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package thermal

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

// Valid values for Kind.
const (
	// Unknown is the zero value; it is never set on purpose.
	Unknown Kind = iota
	// Transient is a recoverable bus or read failure. Retrying later is
	// expected to succeed.
	Transient
	// Config is a fatal configuration or construction failure. Retrying
	// with the same configuration fails the same way.
	Config
	// Render is a failure to synthesize or encode an image.
	Render
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Config:
		return "config"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Error is an error tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf returns an *Error of kind k.
func Errorf(k Kind, op, format string, a ...interface{}) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, a...)}
}

// Wrap tags err with kind k. It returns nil if err is nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsTransient returns true if err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// ErrNoFrame is returned when no frame was successfully read yet.
var ErrNoFrame error = &Error{Kind: Transient, Op: "snapshot", Err: errors.New("no frame acquired yet")}
