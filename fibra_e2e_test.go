package fibra_test

// End-to-end scenarios from spec §8, built loopback-only so they run
// without external network access, exercising the hook layer the way
// cmd/fibrademo's echo server does.

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fibra-project/fibra"
	"github.com/fibra-project/fibra/fibrahook"
)

func loopbackSockaddr(t *testing.T, addr string) *unix.SockaddrInet4 {
	t.Helper()
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	require.NoError(t, err)
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	return sa
}

// ephemeralLoopbackAddr picks an ephemeral loopback port by briefly binding a real
// net.Listener and reading back its assigned address.
func ephemeralLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// Scenario 1: sleep yields cooperation.
func TestE2ESleepYieldsCooperation(t *testing.T) {
	io, err := fibra.NewIoManager(1, true)
	require.NoError(t, err)
	io.Start()
	defer func() { io.Stop(); require.NoError(t, io.Close()) }()

	hooks := fibrahook.New(io)

	var mu sync.Mutex
	var log []string
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	start := time.Now()
	io.ScheduleClosure(func() {
		hooks.Sleep(2)
		record("a")
		wg.Done()
	}, fibra.AnyWorker)
	io.ScheduleClosure(func() {
		hooks.Sleep(2)
		record("b")
		wg.Done()
	}, fibra.AnyWorker)

	waitGroupOrFail(t, &wg, 6*time.Second)
	elapsed := time.Since(start)

	require.ElementsMatch(t, []string{"a", "b"}, log)
	require.Less(t, elapsed, 3500*time.Millisecond, "two 2s sleeps should overlap, not stack to ~4s")
}

// Scenario 2: echo once.
func TestE2EEchoOnce(t *testing.T) {
	io, err := fibra.NewIoManager(2, false)
	require.NoError(t, err)
	io.Start()
	defer func() { io.Stop(); require.NoError(t, io.Close()) }()

	hooks := fibrahook.New(io)
	addr := ephemeralLoopbackAddr(t)
	sa := loopbackSockaddr(t, addr)

	var wg sync.WaitGroup
	wg.Add(2)

	var readBack [1024]byte
	var readN int
	var readErr error

	io.ScheduleClosure(func() {
		defer wg.Done()

		lfd, err := hooks.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return
		}
		defer hooks.Close(lfd)

		if err := unix.Bind(lfd, sa); err != nil {
			return
		}
		if err := unix.Listen(lfd, 1); err != nil {
			return
		}

		cfd, _, err := hooks.Accept(lfd)
		if err != nil {
			return
		}
		defer hooks.Close(cfd)

		hooks.Send(cfd, []byte("hello world"), 0)
	}, fibra.AnyWorker)

	io.ScheduleClosure(func() {
		defer wg.Done()

		cfd, err := hooks.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			readErr = err
			return
		}
		defer hooks.Close(cfd)

		if err := hooks.Connect(cfd, sa); err != nil {
			readErr = err
			return
		}

		readN, readErr = hooks.Recv(cfd, readBack[:], 0)
	}, fibra.AnyWorker)

	waitGroupOrFail(t, &wg, 5*time.Second)

	require.NoError(t, readErr)
	require.GreaterOrEqual(t, readN, 11)
	require.Equal(t, "hello world", string(readBack[:11]))
}

// Scenario 3: connect timeout.
func TestE2EConnectTimeout(t *testing.T) {
	io, err := fibra.NewIoManager(1, false)
	require.NoError(t, err)
	io.Start()
	defer func() { io.Stop(); require.NoError(t, io.Close()) }()

	hooks := fibrahook.New(io)
	hooks.SetConnectTimeoutMs(300)

	unreachable := &unix.SockaddrInet4{Port: 1, Addr: [4]byte{10, 255, 255, 1}}

	var wg sync.WaitGroup
	wg.Add(1)
	var connErr error
	var elapsed time.Duration

	io.ScheduleClosure(func() {
		defer wg.Done()
		fd, err := hooks.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			connErr = err
			return
		}
		defer hooks.Close(fd)

		start := time.Now()
		connErr = hooks.Connect(fd, unreachable)
		elapsed = time.Since(start)
	}, fibra.AnyWorker)

	waitGroupOrFail(t, &wg, 2*time.Second)

	require.ErrorIs(t, connErr, unix.ETIMEDOUT)
	require.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	require.Less(t, elapsed, 700*time.Millisecond)
}

// Scenario 4: recurring timer with self-cancel.
func TestE2ERecurringTimerWithSelfCancel(t *testing.T) {
	io, err := fibra.NewIoManager(1, false)
	require.NoError(t, err)
	io.Start()
	defer func() { io.Stop(); require.NoError(t, io.Close()) }()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{})

	timer := fibra.NewTimer(io)
	timer.ScheduleRepeating(40, func() {
		mu.Lock()
		count++
		c := count
		mu.Unlock()

		switch {
		case c == 3:
			timer.Reset(20, true)
		case c >= 6:
			timer.Cancel()
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the recurring timer to reach its self-cancel count")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 6, count)
}

// Scenario 5: close wakes readers. Fiber A blocks reading a connected fd
// with no data pending; fiber B closes that same fd 50ms later. A must
// wake promptly with EBADF, not wait out an RCVTIMEO deadline.
func TestE2ECloseWakesReaders(t *testing.T) {
	io, err := fibra.NewIoManager(2, false)
	require.NoError(t, err)
	io.Start()
	defer func() { io.Stop(); require.NoError(t, io.Close()) }()

	hooks := fibrahook.New(io)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	readFd, peerFd := fds[0], fds[1]
	require.NoError(t, unix.SetNonblock(readFd, true))
	entry := io.FdRegistry().GetOrCreate(readFd)
	entry.SysNonblock = true
	defer unix.Close(peerFd)

	var wg sync.WaitGroup
	wg.Add(1)
	readErrCh := make(chan error, 1)
	var readStart, readEnd time.Time
	io.ScheduleClosure(func() {
		defer wg.Done()
		buf := make([]byte, 16)
		readStart = time.Now()
		_, rerr := hooks.Read(readFd, buf)
		readEnd = time.Now()
		readErrCh <- rerr
	}, fibra.AnyWorker)

	time.Sleep(50 * time.Millisecond)
	io.ScheduleClosure(func() { hooks.Close(readFd) }, fibra.AnyWorker)

	select {
	case rerr := <-readErrCh:
		require.ErrorIs(t, rerr, unix.EBADF)
		require.Less(t, readEnd.Sub(readStart), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the blocked reader to wake on close")
	}

	waitGroupOrFail(t, &wg, 2*time.Second)
}

// Scenario 6: pinned task isolation.
func TestE2EPinnedTaskIsolation(t *testing.T) {
	sched := fibra.NewScheduler(3, false, "pin-test")
	sched.Start()
	defer sched.Stop()

	tidCh := make(chan int, 1)
	var warmup sync.WaitGroup
	warmup.Add(1)
	sched.ScheduleClosure(func() {
		tidCh <- fibra.ThreadID()
		warmup.Done()
	}, fibra.AnyWorker)
	waitGroupOrFail(t, &warmup, time.Second)
	pinnedTid := <-tidCh

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	var mu sync.Mutex
	allPinned := true
	for i := 0; i < n; i++ {
		sched.ScheduleClosure(func() {
			mu.Lock()
			if fibra.ThreadID() != pinnedTid {
				allPinned = false
			}
			mu.Unlock()
			wg.Done()
		}, pinnedTid)
	}

	waitGroupOrFail(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, allPinned, "every pinned closure must run on the pinned worker's tid")
}

func waitGroupOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for scheduled work to complete")
	}
}
