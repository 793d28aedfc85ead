// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// Error taxonomy surfaced to scripts. Validation and access-control
// violations are raised synchronously as Lua errors; engine-level send
// failures are logged and the call returns normally.
var (
	// ErrInvalidArgument indicates a script-supplied value of the
	// wrong shape, type or range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrObjectLocked indicates access to a message already handed to
	// the engine for sending.
	ErrObjectLocked = errors.New("object is locked and can not be accessed anymore")

	// ErrReadOnly indicates a write on a read-only handler message.
	ErrReadOnly = errors.New("object is read-only")

	// ErrWrongSendPath indicates a connection send of a message that
	// originated from a handler.
	ErrWrongSendPath = errors.New("use connection send for messages created by new_msg only")

	// ErrOptionOrder indicates an option added out of ascending
	// option-type order.
	ErrOptionOrder = errors.New("options must be added in ascending option type order")

	// ErrTokenOrder indicates a token set after an option was added.
	ErrTokenOrder = errors.New("token must be set before any option is added")

	// ErrTooManyFilterArgs indicates an iteration filter exceeding the
	// supported bound.
	ErrTooManyFilterArgs = errors.New("number of filter arguments exceeded")

	// ErrEngineFailure indicates an underlying engine operation
	// failure.
	ErrEngineFailure = errors.New("engine operation failed")

	// ErrNoLibraryContext indicates use of the library outside an
	// initialized interpreter.
	ErrNoLibraryContext = errors.New("no library context")
)

// raise converts a library error to a Lua error raised in the calling
// script.
func raise(l *lua.LState, err error) {
	l.RaiseError("%s", err.Error())
}
