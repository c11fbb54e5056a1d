package co

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/qxcheng/coroutine/pkg/bitset"
	"github.com/qxcheng/coroutine/pkg/ilist"
	"github.com/qxcheng/coroutine/pkg/rawfile"
)

// PollState is the aggregate poll set of a machine. PollFds and Coroutines
// are parallel: Coroutines[i] owns PollFds[i] (nil for the machine's own
// interrupt descriptor).
//
// In embedded mode a host fills PollState via GetPollState, performs its
// own poll over PollFds (possibly merged with its own descriptors), and
// hands the state back to ProcessPoll.
type PollState struct {
	PollFds    []unix.PollFd
	Coroutines []*Coroutine
}

func (ps *PollState) reset() {
	ps.PollFds = ps.PollFds[:0]
	ps.Coroutines = ps.Coroutines[:0]
}

// chosen pairs a runnable coroutine with the descriptor that made it
// runnable.
type chosen struct {
	co *Coroutine
	fd int
}

// Machine schedules a set of coroutines over a single poll(2) loop. All
// methods except Stop must be called from the goroutine that drives the
// machine.
type Machine struct {
	coroutines  ilist.List
	ids         bitset.BitSet
	lastFreedID int

	// wake is the machine's re-entry point: a suspending or dying
	// coroutine signals it to return control to the scheduler.
	wake chan struct{}

	running     int32
	pollState   PollState
	interruptFD int
	tickCount   uint64

	completionCallback CompletionCallback
}

// NewMachine creates an empty machine.
func NewMachine() *Machine {
	ifd, err := rawfile.NewEvent()
	if err != nil {
		panic(hostFailure("cannot create interrupt fd", err))
	}
	return &Machine{
		wake:        make(chan struct{}),
		interruptFD: ifd,
		lastFreedID: -1,
	}
}

// SetCompletionCallback registers a function invoked once for every
// coroutine that dies, after it has been removed from scheduling.
func (m *Machine) SetCompletionCallback(cb CompletionCallback) {
	m.completionCallback = cb
}

// Run drives the machine until every coroutine has died or Stop is called.
// Stop leaves the surviving coroutines suspended; a later Run picks them
// back up.
func (m *Machine) Run() {
	atomic.StoreInt32(&m.running, 1)
	for atomic.LoadInt32(&m.running) == 1 {
		if m.coroutines.Empty() {
			break
		}

		m.buildPollFds(&m.pollState, true)

		n, err := rawfile.NonBlockingPoll(m.pollState.PollFds)
		if err != nil {
			continue
		}
		if n == 0 {
			// Nothing is ready right now. If some coroutine waits on a
			// descriptor or a start is pending, readiness can arrive on
			// its own and we block for it. Otherwise every live
			// coroutine is dormant and only a run-down can make
			// progress.
			if c := m.dormantRunnable(); c != nil {
				m.switchTo(c, -1, true)
				continue
			}
			if _, err := rawfile.BlockingPoll(m.pollState.PollFds, -1); err != nil {
				continue
			}
		}

		if m.pollState.PollFds[0].Revents != 0 {
			rawfile.ClearEvent(m.interruptFD)
			if atomic.LoadInt32(&m.running) == 0 {
				break
			}
		}

		if ch := m.chooseRunnable(&m.pollState); ch.co != nil {
			m.switchTo(ch.co, ch.fd, false)
		}
	}
	atomic.StoreInt32(&m.running, 0)
}

// Stop makes Run return without terminating any coroutine. It is safe to
// call from another goroutine.
func (m *Machine) Stop() {
	atomic.StoreInt32(&m.running, 0)
	rawfile.TriggerEvent(m.interruptFD)
}

// Close destroys all remaining coroutines and releases the machine's own
// descriptors. The machine must not be running.
func (m *Machine) Close() {
	for !m.coroutines.Empty() {
		m.coroutines.Front().(*Coroutine).Destroy()
	}
	rawfile.Close(m.interruptFD)
}

// GetPollState fills ps with the machine's aggregate poll set, excluding
// the interrupt descriptor owned by Run.
func (m *Machine) GetPollState(ps *PollState) {
	m.buildPollFds(ps, false)
}

// ProcessPoll consumes a PollState whose Revents have been filled by the
// host's own poll call: it selects one runnable coroutine and switches
// into it.
func (m *Machine) ProcessPoll(ps *PollState) {
	if ch := m.chooseRunnable(ps); ch.co != nil {
		m.switchTo(ch.co, ch.fd, false)
	}
}

// Show writes a description of every live coroutine to standard error.
func (m *Machine) Show() {
	for e := m.coroutines.Front(); e != nil; e = e.Next() {
		e.(*Coroutine).Show()
	}
}

// buildPollFds concatenates the wait descriptors of every suspended
// coroutine, with the interrupt descriptor first when requested.
func (m *Machine) buildPollFds(ps *PollState, withInterrupt bool) {
	ps.reset()
	if withInterrupt {
		ps.PollFds = append(ps.PollFds, unix.PollFd{Fd: int32(m.interruptFD), Events: unix.POLLIN})
		ps.Coroutines = append(ps.Coroutines, nil)
	}
	for e := m.coroutines.Front(); e != nil; e = e.Next() {
		e.(*Coroutine).addPollFDs(ps)
	}
}

// chooseRunnable selects the coroutine to switch into: among all
// coroutines owning a ready descriptor, the one suspended longest ago
// wins, with poll enumeration order breaking ties. The returned fd is the
// first ready descriptor in the winner's own wait order.
func (m *Machine) chooseRunnable(ps *PollState) chosen {
	var best *Coroutine
	for i := range ps.PollFds {
		if ps.PollFds[i].Revents == 0 {
			continue
		}
		c := ps.Coroutines[i]
		if c == nil || c.state == stateRunning || c.state == stateDead {
			continue
		}
		if best == nil || c.lastTick < best.lastTick {
			best = c
		}
	}
	if best == nil {
		return chosen{}
	}
	for i := range ps.PollFds {
		if ps.Coroutines[i] == best && ps.PollFds[i].Revents != 0 {
			return chosen{co: best, fd: int(ps.PollFds[i].Fd)}
		}
	}
	return chosen{}
}

// dormantRunnable returns the oldest yielded coroutine eligible for a
// run-down resume, or nil if any coroutine could still become ready on its
// own (a pending start or a descriptor wait).
func (m *Machine) dormantRunnable() *Coroutine {
	var best *Coroutine
	for e := m.coroutines.Front(); e != nil; e = e.Next() {
		c := e.(*Coroutine)
		switch c.state {
		case stateReady, stateWaiting:
			return nil
		case stateYielded:
			if !c.rundown && (best == nil || c.lastTick < best.lastTick) {
				best = c
			}
		}
	}
	return best
}

// switchTo transfers control into c and returns when c suspends or dies.
// fd is handed to the coroutine as the result of its suspension. viaRundown
// marks resumes that happened without any descriptor being ready.
func (m *Machine) switchTo(c *Coroutine, fd int, viaRundown bool) {
	m.tickCount++
	c.rundown = viaRundown

	switch c.state {
	case stateReady:
		// First dispatch: enter the body on its own goroutine.
		c.state = stateRunning
		go c.run()
	case stateYielded, stateWaiting:
		c.state = stateRunning
		c.resume <- wakeup{fd: fd}
	default:
		return
	}

	<-m.wake

	if c.state == stateDead {
		m.removeCoroutine(c)
		if m.completionCallback != nil {
			m.completionCallback(c)
		}
		rawfile.Close(c.eventFD)
	}
}

func (m *Machine) addCoroutine(c *Coroutine) {
	c.id = m.allocateID()
	m.coroutines.PushBack(c)
}

func (m *Machine) removeCoroutine(c *Coroutine) {
	m.coroutines.Remove(c)
	m.ids.Clear(c.id)
	m.lastFreedID = c.id
}

// startCoroutine is invoked by Coroutine.Start: asserting the event makes
// the coroutine show up as ready at the next poll.
func (m *Machine) startCoroutine(c *Coroutine) {
	c.triggerEvent()
}

// allocateID hands out the most recently freed id when possible so ids
// stay dense and stable for debugging.
func (m *Machine) allocateID() int {
	if m.lastFreedID >= 0 && !m.ids.Contains(m.lastFreedID) {
		id := m.lastFreedID
		m.lastFreedID = -1
		m.ids.Set(id)
		return id
	}
	id := m.ids.FirstClear()
	m.ids.Set(id)
	return id
}

func (m *Machine) idExists(id int) bool {
	return m.ids.Contains(id)
}
