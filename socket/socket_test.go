package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockspacer/coros/coroutine"
	"github.com/blockspacer/coros/scheduler"
)

func TestSocket_TCPListenConnectRoundTrip(t *testing.T) {
	s, err := scheduler.New()
	require.NoError(t, err)

	ln, err := ListenTCP(s, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer ln.Close()

	lnAddr, err := ln.Addr()
	require.NoError(t, err)
	addr := lnAddr.(*net.TCPAddr)

	var serverGot string
	var clientWrote int
	var acceptErr, connectErr, readErr, writeErr error

	s.Spawn(func(c *coroutine.Coroutine) {
		conn, err := ln.Accept(c)
		if err != nil {
			acceptErr = err
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, err := conn.ReadSome(c, buf)
		if err != nil {
			readErr = err
			return
		}
		serverGot = string(buf[:n])
	}, nil)

	s.Spawn(func(c *coroutine.Coroutine) {
		conn, err := ConnectTCP(s, c, addr)
		if err != nil {
			connectErr = err
			return
		}
		defer conn.Close()
		n, err := conn.WriteSome(c, []byte("hello"))
		if err != nil {
			writeErr = err
			return
		}
		clientWrote = n
	}, nil)

	require.NoError(t, s.Run())
	require.NoError(t, acceptErr)
	require.NoError(t, connectErr)
	require.NoError(t, readErr)
	require.NoError(t, writeErr)
	assert.Equal(t, "hello", serverGot)
	assert.Equal(t, 5, clientWrote)
}

func TestSocket_ReadSome_TimesOutOnDeadline(t *testing.T) {
	// Deadlines are only checked by the periodic sweep (1s by default), so
	// sweep often enough to observe the 30ms deadline before the client
	// closes its end at 200ms.
	s, err := scheduler.New(scheduler.WithSweepInterval(10 * time.Millisecond))
	require.NoError(t, err)

	ln, err := ListenTCP(s, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer ln.Close()

	lnAddr, err := ln.Addr()
	require.NoError(t, err)
	addr := lnAddr.(*net.TCPAddr)

	var readErr error
	var accepted bool

	s.Spawn(func(c *coroutine.Coroutine) {
		conn, err := ln.Accept(c)
		require.NoError(t, err)
		accepted = true
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(30 * time.Millisecond))
		buf := make([]byte, 16)
		_, readErr = conn.ReadSome(c, buf)
	}, nil)

	s.Spawn(func(c *coroutine.Coroutine) {
		conn, err := ConnectTCP(s, c, addr)
		require.NoError(t, err)
		_ = s.Wait(c, 200*time.Millisecond)
		conn.Close()
	}, nil)

	require.NoError(t, s.Run())
	assert.True(t, accepted)
	require.Error(t, readErr)
}
