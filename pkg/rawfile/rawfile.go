//go:build linux
// +build linux

// Package rawfile contains the host descriptor plumbing needed by the
// coroutine machine: a poll(2) wrapper, eventfd(2) based wakeup
// descriptors, and one-shot timerfds used for wait timeouts.
package rawfile

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockingPoll polls the given descriptors, retrying when the syscall is
// interrupted by a signal. A negative timeout blocks until at least one
// descriptor becomes ready.
func BlockingPoll(fds []unix.PollFd, timeout int) (int, error) {
	for {
		n, err := unix.Poll(fds, timeout)
		if err != unix.EINTR {
			return n, err
		}
	}
}

// NonBlockingPoll polls the given descriptors and returns immediately,
// reporting how many are currently ready.
func NonBlockingPoll(fds []unix.PollFd) (int, error) {
	return BlockingPoll(fds, 0)
}

// NewEvent creates a non-blocking eventfd. The descriptor becomes readable
// after TriggerEvent and stops being readable once ClearEvent has drained
// it.
func NewEvent() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

// TriggerEvent makes the eventfd readable by adding one to its counter.
// A saturated counter is already readable, so EAGAIN is not an error.
func TriggerEvent(fd int) error {
	var val uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&val))[:]
	for {
		_, err := unix.Write(fd, buf)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

// ClearEvent drains the eventfd so that it is no longer readable.
func ClearEvent(fd int) error {
	var val uint64
	buf := (*[8]byte)(unsafe.Pointer(&val))[:]
	for {
		_, err := unix.Read(fd, buf)
		switch err {
		case nil, unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

// NewTimer creates a one-shot monotonic timerfd that becomes readable
// after d has elapsed.
func NewTimer(d time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	ns := d.Nanoseconds()
	if ns <= 0 {
		// A zero it_value would disarm the timer instead of firing it.
		ns = 1
	}
	it := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	if err := unix.TimerfdSettime(fd, 0, &it, nil); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Close closes a descriptor obtained from this package.
func Close(fd int) {
	unix.Close(fd)
}
