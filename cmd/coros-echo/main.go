// Command coros-echo is a TCP echo server built on package scheduler:
// one goroutine-backed coroutine per connection, a single driver OS
// thread, and compute-pool offload for a deliberately CPU-heavy
// "scramble" transform applied to each line before it is echoed back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/blockspacer/coros/computepool"
	"github.com/blockspacer/coros/coroutine"
	"github.com/blockspacer/coros/internal/obslog"
	"github.com/blockspacer/coros/scheduler"
	"github.com/blockspacer/coros/socket"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	workers := flag.Int("compute-workers", 0, "compute pool worker count (0 = GOMAXPROCS)")
	flag.Parse()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})); err != nil {
		fmt.Fprintf(os.Stderr, "coros-echo: automaxprocs: %v\n", err)
	}

	log := obslog.New(slog.NewTextHandler(os.Stderr, nil), 0)

	var poolOpts []computepool.Option
	if *workers > 0 {
		poolOpts = append(poolOpts, computepool.WithWorkers(*workers))
	}
	pool := computepool.New(poolOpts...)
	defer pool.Close()

	sched, err := scheduler.New(
		scheduler.WithComputePool(pool),
		scheduler.WithLogger(log),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coros-echo: %v\n", err)
		os.Exit(1)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coros-echo: resolve %s: %v\n", *addr, err)
		os.Exit(1)
	}

	ln, err := socket.ListenTCP(sched, tcpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coros-echo: listen %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer ln.Close()

	sched.Spawn(func(c *coroutine.Coroutine) {
		acceptLoop(sched, ln, c)
	}, nil, coroutine.WithName("acceptor"))

	if err := sched.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "coros-echo: %v\n", err)
		os.Exit(1)
	}
}

func acceptLoop(sched *scheduler.Scheduler, ln *socket.Listener, c *coroutine.Coroutine) {
	for {
		conn, err := ln.Accept(c)
		if err != nil {
			return
		}
		sched.Spawn(func(c *coroutine.Coroutine) {
			serveConn(c, conn)
		}, nil, coroutine.WithName("conn"))
	}
}

func serveConn(c *coroutine.Coroutine, conn *socket.Socket) {
	defer conn.Close()

	r := newSocketReader(c, conn)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()

		c.BeginCompute()
		scrambled := scramble(line)
		c.EndCompute()

		scrambled = append(scrambled, '\n')
		if err := writeAll(c, conn, scrambled); err != nil {
			return
		}
	}
}

// scramble is a deliberately CPU-bound transform (reverse the byte
// order, then rotate every byte by its position) used to exercise
// compute-pool offload rather than to do anything useful to the line.
func scramble(line []byte) []byte {
	out := make([]byte, len(line))
	for i, b := range line {
		out[len(line)-1-i] = b + byte(i%251)
	}
	return out
}

func writeAll(c *coroutine.Coroutine, conn *socket.Socket, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.WriteSome(c, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// socketReader adapts socket.Socket's coroutine-suspending ReadSome to
// io.Reader so the standard library's bufio.Scanner can split lines for
// us; io.Reader's contract (one Read may block) is exactly what ReadSome
// already provides at the coroutine level. ReadSome reports end of stream
// as a zero-byte read with no error, which Read turns into io.EOF.
type socketReader struct {
	c    *coroutine.Coroutine
	conn *socket.Socket
}

func newSocketReader(c *coroutine.Coroutine, conn *socket.Socket) *socketReader {
	return &socketReader{c: c, conn: conn}
}

func (r *socketReader) Read(p []byte) (int, error) {
	n, err := r.conn.ReadSome(r.c, p)
	if n == 0 && err == nil && len(p) > 0 {
		// A zero-byte read is the peer's orderly shutdown.
		return 0, io.EOF
	}
	return n, err
}
