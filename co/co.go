// Package co implements cooperative, single-threaded coroutines.
//
// A Machine multiplexes many coroutines onto the goroutine that calls its
// Run method. Each coroutine owns a private execution context and an
// eventfd used to wake it without external I/O. Coroutines run until they
// voluntarily suspend by yielding, waiting for descriptor readiness,
// sleeping, or exchanging values with another coroutine via Call and
// YieldValue. The machine aggregates the descriptors of all suspended
// coroutines into a single poll(2) set, waits for readiness, and resumes
// the longest-waiting runnable coroutine.
//
// All Machine and Coroutine operations must originate from the goroutine
// that drives the machine; the only exception is Stop, which may be called
// from anywhere to make Run return.
package co

import (
	"golang.org/x/sys/unix"
)

// Error is the error type used by the runtime. Misuse of the API panics
// with one of the Err values below; the runtime has no recovery path for
// host exhaustion and panics on that too.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrNotRunning     = &Error{msg: "operation requires the running coroutine"}
	ErrWrongMachine   = &Error{msg: "coroutine belongs to a different machine"}
	ErrDestroyRunning = &Error{msg: "cannot destroy a running coroutine"}
)

// EventMask represents io events as used in the poll() syscall.
type EventMask int16

const (
	EventIn  EventMask = EventMask(unix.POLLIN)
	EventOut EventMask = EventMask(unix.POLLOUT)
	EventErr EventMask = EventMask(unix.POLLERR)
	EventHUp EventMask = EventMask(unix.POLLHUP)
)

// PollFD names a descriptor and the readiness events a coroutine wants to
// wait for on it.
type PollFD struct {
	FD     int
	Events EventMask
}

// Functor is a coroutine body. It is invoked exactly once per coroutine
// lifetime with a handle to the coroutine itself.
type Functor func(*Coroutine)

// CompletionCallback is invoked by the machine for every coroutine that
// dies, after it has been removed from scheduling but before its
// descriptors are reclaimed.
type CompletionCallback func(*Coroutine)

type sentinel struct {
	reason string
}

var (
	exitSentinel = &sentinel{reason: "exit"}
	killSentinel = &sentinel{reason: "kill"}
)

func hostFailure(what string, err error) *Error {
	return &Error{msg: what + ": " + err.Error()}
}
