package co

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qxcheng/coroutine/pkg/ilist"
	"github.com/qxcheng/coroutine/pkg/rawfile"
)

type state int

const (
	stateNew state = iota
	stateReady
	stateRunning
	stateYielded
	stateWaiting
	stateDead
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateYielded:
		return "yielded"
	case stateWaiting:
		return "waiting"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// wakeup carries control from the machine back into a suspended coroutine.
// fd is the descriptor whose readiness caused the resume; kill unwinds the
// body instead of resuming it.
type wakeup struct {
	fd   int
	kill bool
}

// Options configures coroutine construction. The zero value gives an
// unnamed coroutine that must be started explicitly.
type Options struct {
	// Name is a debug label. Defaults to "co-<id>".
	Name string

	// Autostart enqueues the coroutine as ready at construction.
	Autostart bool

	// UserData is an opaque value never touched by the runtime.
	UserData any
}

// Coroutine is a suspendable flow of control scheduled cooperatively by a
// Machine. Its body runs on a private goroutine; control transfers between
// the machine and the body through an unbuffered handoff so that at most
// one side is runnable at any moment.
type Coroutine struct {
	ilist.Entry

	machine *Machine
	id      int
	name    string
	functor Functor
	state   state

	// eventFD wakes this coroutine without external I/O: Start, Call
	// arrival and value-ready notifications all assert it.
	eventFD int

	// waitFDs is populated on entry to a wait and cleared on resume. It
	// always ends with eventFD so a call can interrupt the wait.
	waitFDs []unix.PollFd

	// caller is set only while an in-flight Call targets this coroutine;
	// result is the borrowed slot the caller supplied for YieldValue.
	caller *Coroutine
	result *any

	userData any
	lastTick uint64

	resume chan wakeup
	done   chan struct{}

	// rundown is set when the machine resumed this coroutine without any
	// descriptor being ready, to drive a dormant coroutine to completion.
	// A coroutine already run down once is not run down again until a
	// real wakeup arrives.
	rundown bool
}

// New creates a coroutine bound to m and starts it. The coroutine gets a
// default name and no user data.
func New(m *Machine, f Functor) *Coroutine {
	return NewWithOptions(m, f, Options{Autostart: true})
}

// NewWithOptions creates a coroutine bound to m with explicit options.
func NewWithOptions(m *Machine, f Functor, opts Options) *Coroutine {
	efd, err := rawfile.NewEvent()
	if err != nil {
		panic(hostFailure("cannot create event fd", err))
	}
	c := &Coroutine{
		machine:  m,
		functor:  f,
		state:    stateNew,
		eventFD:  efd,
		userData: opts.UserData,
		resume:   make(chan wakeup),
		done:     make(chan struct{}),
	}
	m.addCoroutine(c)
	c.name = opts.Name
	if c.name == "" {
		c.name = fmt.Sprintf("co-%d", c.id)
	}
	if opts.Autostart {
		c.Start()
	}
	return c
}

// Start makes a new coroutine ready to run. It is a no-op unless the
// coroutine has never been started.
func (c *Coroutine) Start() {
	if c.state != stateNew {
		return
	}
	c.state = stateReady
	c.machine.startCoroutine(c)
}

// Yield suspends the running coroutine and lets the machine schedule
// another one. The coroutine stays runnable and will be resumed once every
// longer-waiting runnable coroutine has had its turn.
func (c *Coroutine) Yield() {
	c.mustBeRunning()
	c.triggerEvent()
	c.yieldTransfer()
}

// Wait suspends the running coroutine until fd reports one of the events
// in mask, the coroutine's event is triggered, or the timeout elapses.
// A timeout of zero waits forever. It returns fd on readiness and -1 for
// both a timeout and an event wake; treat -1 as "re-examine the condition".
func (c *Coroutine) Wait(fd int, mask EventMask, timeout time.Duration) int {
	return c.WaitSet([]PollFD{{FD: fd, Events: mask}}, timeout)
}

// WaitSet is Wait over a set of descriptors. Exactly one descriptor is
// returned even if several became ready simultaneously; the first ready
// one in the order given wins.
func (c *Coroutine) WaitSet(fds []PollFD, timeout time.Duration) int {
	c.mustBeRunning()

	timerFD := -1
	if timeout > 0 {
		tfd, err := rawfile.NewTimer(timeout)
		if err != nil {
			panic(hostFailure("cannot create timer fd", err))
		}
		timerFD = tfd
		defer rawfile.Close(timerFD)
	}

	c.waitFDs = c.waitFDs[:0]
	for _, p := range fds {
		c.waitFDs = append(c.waitFDs, unix.PollFd{Fd: int32(p.FD), Events: int16(p.Events)})
	}
	if timerFD >= 0 {
		c.waitFDs = append(c.waitFDs, unix.PollFd{Fd: int32(timerFD), Events: unix.POLLIN})
	}
	c.waitFDs = append(c.waitFDs, unix.PollFd{Fd: int32(c.eventFD), Events: unix.POLLIN})

	c.state = stateWaiting
	fd := c.transfer()
	c.waitFDs = c.waitFDs[:0]

	if fd == c.eventFD {
		c.clearEvent()
		return -1
	}
	if fd == timerFD {
		return -1
	}
	return fd
}

// Sleep suspends the running coroutine for at least d.
func (c *Coroutine) Sleep(d time.Duration) {
	c.WaitSet(nil, d)
}

// Nanosleep suspends the running coroutine for at least ns nanoseconds.
func (c *Coroutine) Nanosleep(ns int64) {
	c.Sleep(time.Duration(ns))
}

// Millisleep suspends the running coroutine for at least ms milliseconds.
func (c *Coroutine) Millisleep(ms int64) {
	c.Sleep(time.Duration(ms) * time.Millisecond)
}

// Exit terminates the running coroutine immediately, skipping the rest of
// its body. Deferred functions in the body still run.
func (c *Coroutine) Exit() {
	c.mustBeRunning()
	panic(exitSentinel)
}

// Call invokes callee and suspends the caller until the callee produces a
// value with YieldValue. The callee is started if it has never run and
// woken otherwise, so the pair behaves like a generator: the callee stays
// alive between calls, resuming each time from just after its last
// YieldValue. Both coroutines must belong to the same machine.
func Call[T any](caller, callee *Coroutine) T {
	caller.mustBeRunning()
	if callee.machine != caller.machine {
		panic(ErrWrongMachine)
	}

	var result any
	callee.caller = caller
	callee.result = &result

	if callee.state == stateNew {
		callee.Start()
	} else {
		callee.triggerEvent()
	}

	caller.yieldTransfer()

	callee.caller = nil
	callee.result = nil
	v, _ := result.(T)
	return v
}

// YieldValue stores v for the caller of an in-flight Call, wakes that
// caller, and suspends c without marking it runnable: c resumes only when
// the next Call or event trigger arrives. Without an in-flight Call the
// value is discarded.
func YieldValue[T any](c *Coroutine, v T) {
	c.mustBeRunning()
	if c.result != nil {
		*c.result = v
	}
	if c.caller != nil {
		c.caller.triggerEvent()
	}
	c.yieldTransfer()
}

// TriggerEvent asserts the coroutine's private event. A yielded or
// waiting coroutine becomes runnable at the machine's next poll; a wait
// woken this way returns -1.
func (c *Coroutine) TriggerEvent() {
	c.triggerEvent()
}

// ClearEvent drains the coroutine's private event so that a previous
// trigger no longer makes it runnable.
func (c *Coroutine) ClearEvent() {
	c.clearEvent()
}

// IsAlive reports whether the coroutine's id is still allocated by its
// machine.
func (c *Coroutine) IsAlive() bool {
	return c.machine.idExists(c.id)
}

// ID returns the coroutine's unique id. Ids are stable for the life of the
// coroutine and may be reused after it dies.
func (c *Coroutine) ID() int {
	return c.id
}

// Name returns the debug label.
func (c *Coroutine) Name() string {
	return c.name
}

// SetName changes the debug label. Names need not be unique.
func (c *Coroutine) SetName(name string) {
	c.name = name
}

// UserData returns the opaque value attached to the coroutine.
func (c *Coroutine) UserData() any {
	return c.userData
}

// SetUserData attaches an opaque value to the coroutine. The runtime never
// touches it.
func (c *Coroutine) SetUserData(v any) {
	c.userData = v
}

// LastTick returns the machine tick at the coroutine's most recent
// suspension.
func (c *Coroutine) LastTick() uint64 {
	return c.lastTick
}

// Machine returns the machine the coroutine belongs to.
func (c *Coroutine) Machine() *Machine {
	return c.machine
}

// Show writes a one-line description of the coroutine to standard error.
func (c *Coroutine) Show() {
	fmt.Fprintf(os.Stderr, "%d: %s: state %s, last tick %d\n", c.id, c.name, c.state, c.lastTick)
}

// Destroy releases the coroutine's resources: its goroutine if the body is
// suspended mid-flight, its event descriptor, and its id. Coroutines that
// die while the machine runs are reclaimed by the machine and need no
// Destroy. Must not be called on a running coroutine.
func (c *Coroutine) Destroy() {
	switch c.state {
	case stateRunning:
		panic(ErrDestroyRunning)
	case stateDead:
		// Already reclaimed by the machine.
		return
	case stateYielded, stateWaiting:
		c.resume <- wakeup{kill: true}
		<-c.done
	default:
		// New or Ready: the body was never entered, there is no
		// goroutine to unwind.
	}
	c.state = stateDead
	c.machine.removeCoroutine(c)
	rawfile.Close(c.eventFD)
}

// run is the entry point of the body goroutine. It plays the role of the
// exit context: both Exit and a normal return unwind here.
func (c *Coroutine) run() {
	defer func() {
		r := recover()
		killed := false
		switch r {
		case nil, exitSentinel:
		case killSentinel:
			killed = true
		default:
			panic(r)
		}
		c.state = stateDead
		close(c.done)
		if !killed {
			c.machine.wake <- struct{}{}
		}
	}()
	c.clearEvent()
	c.functor(c)
}

// transfer parks the coroutine and hands control back to the machine. It
// returns the descriptor whose readiness caused the resume.
func (c *Coroutine) transfer() int {
	c.lastTick = c.machine.tickCount
	c.machine.wake <- struct{}{}
	w := <-c.resume
	if w.kill {
		panic(killSentinel)
	}
	return w.fd
}

// yieldTransfer suspends in the yielded state and consumes the event that
// eventually wakes the coroutine back up.
func (c *Coroutine) yieldTransfer() {
	c.state = stateYielded
	c.transfer()
	c.clearEvent()
}

// addPollFDs appends the descriptors this coroutine is waiting on to the
// aggregate poll state.
func (c *Coroutine) addPollFDs(ps *PollState) {
	switch c.state {
	case stateReady, stateYielded:
		ps.PollFds = append(ps.PollFds, unix.PollFd{Fd: int32(c.eventFD), Events: unix.POLLIN})
		ps.Coroutines = append(ps.Coroutines, c)
	case stateWaiting:
		for _, p := range c.waitFDs {
			ps.PollFds = append(ps.PollFds, p)
			ps.Coroutines = append(ps.Coroutines, c)
		}
	}
}

func (c *Coroutine) triggerEvent() {
	if err := rawfile.TriggerEvent(c.eventFD); err != nil {
		panic(hostFailure("cannot trigger event fd", err))
	}
}

func (c *Coroutine) clearEvent() {
	if err := rawfile.ClearEvent(c.eventFD); err != nil {
		panic(hostFailure("cannot clear event fd", err))
	}
}

func (c *Coroutine) mustBeRunning() {
	if c.state != stateRunning {
		panic(ErrNotRunning)
	}
}
