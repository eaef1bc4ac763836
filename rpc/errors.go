// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ErrShutdown is returned to callers whose channel was torn down while
// their call was in flight, whether by transport closure, a fatal
// protocol error, or supersession.
const ErrShutdown = errors.ConstError("channel is shut down")

// ErrTimeout is returned when a call's timeout elapses before the peer
// responds. The channel itself survives.
const ErrTimeout = errors.ConstError("call timed out")

// IsShutdownErr returns true if the error is ErrShutdown.
func IsShutdownErr(err error) bool {
	return errors.Is(err, ErrShutdown)
}

// MethodNotFoundError is returned when the peer's dispatch layer could
// not route the call. The channel survives; callers commonly probe for
// optional methods and treat this as "not supported".
type MethodNotFoundError struct {
	Method  string
	Message string
}

// Error is part of the error interface.
func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method %q not found on peer: %s", e.Method, e.Message)
}

// IsMethodNotFound returns true if the error indicates the peer does
// not implement the requested method.
func IsMethodNotFound(err error) bool {
	_, ok := errors.Cause(err).(*MethodNotFoundError)
	return ok
}

// CallError carries an error message supplied by the peer for one
// specific call. It says nothing about the health of the channel.
type CallError struct {
	Method  string
	Message string
}

// Error is part of the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("call %q failed on peer: %s", e.Method, e.Message)
}

// ErrorClass describes how a peer-supplied error message should be
// handled.
type ErrorClass int

const (
	// ClassCall means the error is specific to this call; deliver it
	// and keep the channel alive.
	ClassCall ErrorClass = iota

	// ClassMethodNotFound means the peer's dispatch layer could not
	// route the call; deliver a MethodNotFoundError and keep the
	// channel alive.
	ClassMethodNotFound

	// ClassFatal means the peer's dispatch layer itself is broken;
	// the whole channel must be torn down.
	ClassFatal
)

// ErrorClassifier maps a peer-supplied error message to a class. The
// conventions differ between RPC stacks, so channels accept their own
// classifier at Open time.
type ErrorClassifier func(message string) ErrorClass

// NetRPCClassifier understands the error conventions of peers built on
// Go's net/rpc stack, which all our service agents are. Dispatch
// failures for a missing method or service are recoverable; any other
// error the dispatch layer itself generates means the peer is broken.
func NetRPCClassifier(message string) ErrorClass {
	if strings.Contains(message, "can't find method") ||
		strings.Contains(message, "can't find service") {
		return ClassMethodNotFound
	}
	if strings.HasPrefix(message, "rpc: ") {
		return ClassFatal
	}
	return ClassCall
}
