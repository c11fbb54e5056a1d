//go:build linux
// +build linux

// Command pingpong bounces a byte between two coroutines over a pair of
// pipes. Each side waits for its read end to become readable, consumes
// the byte, and sends one back.
package main

import (
	"flag"
	"log"

	"golang.org/x/sys/unix"

	"github.com/qxcheng/coroutine/co"
)

var rounds = flag.Int("rounds", 5, "number of round trips")

func player(name string, rfd, wfd int, serve bool) co.Functor {
	return func(c *co.Coroutine) {
		buf := make([]byte, 1)
		if serve {
			if _, err := unix.Write(wfd, []byte{'*'}); err != nil {
				log.Fatal(err)
			}
		}
		for i := 0; i < *rounds; i++ {
			fd := c.Wait(rfd, co.EventIn, 0)
			if fd != rfd {
				log.Fatalf("%s: unexpected wakeup on fd %d", name, fd)
			}
			if _, err := unix.Read(rfd, buf); err != nil {
				log.Fatal(err)
			}
			log.Printf("%s: received", name)
			if serve && i == *rounds-1 {
				break
			}
			if _, err := unix.Write(wfd, buf); err != nil {
				log.Fatal(err)
			}
		}
	}
}

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)
	flag.Parse()

	var toPong, toPing [2]int
	if err := unix.Pipe(toPong[:]); err != nil {
		log.Fatal(err)
	}
	if err := unix.Pipe(toPing[:]); err != nil {
		log.Fatal(err)
	}

	m := co.NewMachine()
	defer m.Close()

	co.NewWithOptions(m, player("ping", toPing[0], toPong[1], true),
		co.Options{Name: "ping", Autostart: true})
	co.NewWithOptions(m, player("pong", toPong[0], toPing[1], false),
		co.Options{Name: "pong", Autostart: true})

	m.Run()
	log.Printf("done after %d round trips", *rounds)
}
