package co_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/qxcheng/coroutine/co"
)

func TestYieldAlternation(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	var order []string
	body := func(name string) co.Functor {
		return func(c *co.Coroutine) {
			for i := 0; i < 3; i++ {
				order = append(order, name)
				c.Yield()
			}
		}
	}
	co.NewWithOptions(m, body("A"), co.Options{Name: "A", Autostart: true})
	co.NewWithOptions(m, body("B"), co.Options{Name: "B", Autostart: true})

	m.Run()

	assert.Equal(t, []string{"A", "B", "A", "B", "A", "B"}, order)
}

func TestWaitReturnsReadyFD(t *testing.T) {
	defer goleak.VerifyNone(t)

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	_, err := unix.Write(p[1], []byte{'x'})
	require.NoError(t, err)

	m := co.NewMachine()
	defer m.Close()

	var got int
	co.New(m, func(c *co.Coroutine) {
		got = c.Wait(p[0], co.EventIn, 0)
	})
	m.Run()

	assert.Equal(t, p[0], got)
}

func TestWaitTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	m := co.NewMachine()
	defer m.Close()

	var got int
	var elapsed time.Duration
	co.New(m, func(c *co.Coroutine) {
		start := time.Now()
		got = c.Wait(p[0], co.EventIn, 10*time.Millisecond)
		elapsed = time.Since(start)
	})
	m.Run()

	assert.Equal(t, -1, got)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}

func TestTriggerEventWakesWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	m := co.NewMachine()
	defer m.Close()

	var got int
	waiter := co.NewWithOptions(m, func(c *co.Coroutine) {
		got = c.Wait(p[0], co.EventIn, 0)
	}, co.Options{Name: "waiter", Autostart: true})
	co.New(m, func(c *co.Coroutine) {
		waiter.TriggerEvent()
	})
	m.Run()

	// The pipe never became readable; the event wake reports -1.
	assert.Equal(t, -1, got)
}

func TestSleep(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	var elapsed time.Duration
	co.New(m, func(c *co.Coroutine) {
		start := time.Now()
		c.Sleep(20 * time.Millisecond)
		elapsed = time.Since(start)
	})
	m.Run()

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestExitSkipsRestOfBody(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	var trace []string
	co.New(m, func(c *co.Coroutine) {
		defer func() { trace = append(trace, "deferred") }()
		trace = append(trace, "before")
		c.Exit()
		trace = append(trace, "after")
	})
	m.Run()

	assert.Equal(t, []string{"before", "deferred"}, trace)
}

func TestGenerator(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	gen := co.NewWithOptions(m, func(c *co.Coroutine) {
		for i := 1; i <= 3; i++ {
			co.YieldValue(c, i)
		}
	}, co.Options{Name: "gen"})

	var got []int
	co.New(m, func(c *co.Coroutine) {
		for i := 0; i < 3; i++ {
			got = append(got, co.Call[int](c, gen))
		}
	})
	m.Run()

	assert.Equal(t, []int{1, 2, 3}, got)
	assert.False(t, gen.IsAlive())
}

func TestCallStringValues(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	words := co.NewWithOptions(m, func(c *co.Coroutine) {
		co.YieldValue(c, "hello")
		co.YieldValue(c, "world")
	}, co.Options{})

	var got []string
	co.New(m, func(c *co.Coroutine) {
		got = append(got, co.Call[string](c, words))
		got = append(got, co.Call[string](c, words))
	})
	m.Run()

	assert.Equal(t, []string{"hello", "world"}, got)
}

func TestCallWrongMachinePanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	m1 := co.NewMachine()
	defer m1.Close()
	m2 := co.NewMachine()
	defer m2.Close()

	other := co.NewWithOptions(m2, func(c *co.Coroutine) {}, co.Options{})

	var recovered any
	co.New(m1, func(c *co.Coroutine) {
		defer func() { recovered = recover() }()
		co.Call[int](c, other)
	})
	m1.Run()

	assert.Equal(t, co.ErrWrongMachine, recovered)
}

func TestNameAndUserData(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	c := co.NewWithOptions(m, func(c *co.Coroutine) {}, co.Options{
		Name:     "worker",
		UserData: 42,
	})
	assert.Equal(t, "worker", c.Name())
	assert.Equal(t, 42, c.UserData())

	c.SetName("renamed")
	c.SetUserData("other")
	assert.Equal(t, "renamed", c.Name())
	assert.Equal(t, "other", c.UserData())
	assert.Same(t, m, c.Machine())

	d := co.NewWithOptions(m, func(c *co.Coroutine) {}, co.Options{})
	assert.Equal(t, "co-1", d.Name())
}

func TestDestroySuspended(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	waiter := co.NewWithOptions(m, func(c *co.Coroutine) {
		c.Wait(p[0], co.EventIn, 0)
	}, co.Options{Name: "waiter", Autostart: true})

	// Let the waiter reach its wait, then stop the machine.
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Stop()
	}()
	m.Run()

	assert.True(t, waiter.IsAlive())
	waiter.Destroy()
	assert.False(t, waiter.IsAlive())
}

func TestDestroyInfiniteGenerator(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	naturals := co.NewWithOptions(m, func(c *co.Coroutine) {
		for i := 0; ; i++ {
			co.YieldValue(c, i)
		}
	}, co.Options{Name: "naturals"})

	var got []int
	co.New(m, func(c *co.Coroutine) {
		for i := 0; i < 4; i++ {
			got = append(got, co.Call[int](c, naturals))
		}
		// The producer never returns; reclaim it so the machine can
		// run down.
		naturals.Destroy()
	})
	m.Run()

	assert.Equal(t, []int{0, 1, 2, 3}, got)
	assert.False(t, naturals.IsAlive())
}

func TestDestroyNeverStarted(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := co.NewMachine()
	defer m.Close()

	c := co.NewWithOptions(m, func(c *co.Coroutine) {}, co.Options{})
	assert.True(t, c.IsAlive())
	c.Destroy()
	assert.False(t, c.IsAlive())
}
