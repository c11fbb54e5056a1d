//go:build linux
// +build linux

// Command generator demonstrates the generator pattern: a coroutine
// produces the Fibonacci sequence one value per Call, staying suspended
// between calls.
package main

import (
	"flag"
	"log"

	"github.com/qxcheng/coroutine/co"
)

var count = flag.Int("count", 10, "number of values to generate")

func fibonacci(c *co.Coroutine) {
	a, b := 0, 1
	for {
		co.YieldValue(c, a)
		a, b = b, a+b
	}
}

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)
	flag.Parse()

	m := co.NewMachine()
	defer m.Close()

	fib := co.NewWithOptions(m, fibonacci, co.Options{Name: "fib"})

	co.New(m, func(c *co.Coroutine) {
		for i := 0; i < *count; i++ {
			log.Printf("fib(%d) = %d", i, co.Call[int](c, fib))
		}
		// The generator never returns on its own; tear it down once the
		// consumer has what it needs.
		fib.Destroy()
	})

	m.Run()
}
