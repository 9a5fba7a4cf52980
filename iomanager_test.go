package fibra

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibra-project/fibra/internal"
)

func newTestIoManager(t *testing.T) *IoManager {
	t.Helper()
	io, err := NewIoManager(2, false)
	require.NoError(t, err)
	io.Start()
	t.Cleanup(func() {
		io.Stop()
		require.NoError(t, io.Close())
	})
	return io
}

func TestIoManagerAddEventFiresOnReadable(t *testing.T) {
	io := newTestIoManager(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	done := make(chan error, 1)
	require.NoError(t, io.AddEvent(rfd, internal.ReadEvent, func(e error) { done <- e }, AnyWorker))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case e := <-done:
		require.NoError(t, e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read event")
	}
}

func TestIoManagerDoubleArmPanics(t *testing.T) {
	io := newTestIoManager(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	require.NoError(t, io.AddEvent(rfd, internal.ReadEvent, func(error) {}, AnyWorker))
	require.Panics(t, func() {
		_ = io.AddEvent(rfd, internal.ReadEvent, func(error) {}, AnyWorker)
	})
}

func TestIoManagerRemoveEventDropsWaiterWithoutFiring(t *testing.T) {
	io := newTestIoManager(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	fired := make(chan error, 1)
	require.NoError(t, io.AddEvent(rfd, internal.ReadEvent, func(e error) { fired <- e }, AnyWorker))
	require.NoError(t, io.RemoveEvent(rfd, internal.ReadEvent))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("handler fired after RemoveEvent")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIoManagerCancelEventFiresWithGivenError(t *testing.T) {
	io := newTestIoManager(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	fired := make(chan error, 1)
	require.NoError(t, io.AddEvent(rfd, internal.ReadEvent, func(e error) { fired <- e }, AnyWorker))

	sentinel := internal.ErrCancelled
	require.NoError(t, io.CancelEvent(rfd, internal.ReadEvent, sentinel))

	select {
	case e := <-fired:
		require.ErrorIs(t, e, sentinel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to fire the handler")
	}
}

func TestIoManagerCancelAllFiresBothDirections(t *testing.T) {
	io := newTestIoManager(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	firedRead := make(chan error, 1)
	firedWrite := make(chan error, 1)
	require.NoError(t, io.AddEvent(rfd, internal.ReadEvent, func(e error) { firedRead <- e }, AnyWorker))
	// A pipe's read end never reports writable, so this waiter can only be
	// woken by CancelAll.
	require.NoError(t, io.AddEvent(rfd, internal.WriteEvent, func(e error) { firedWrite <- e }, AnyWorker))

	sentinel := internal.ErrCancelled
	require.NoError(t, io.CancelAll(rfd, sentinel))

	select {
	case e := <-firedRead:
		require.ErrorIs(t, e, sentinel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CancelAll to fire the read waiter")
	}

	select {
	case e := <-firedWrite:
		require.ErrorIs(t, e, sentinel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CancelAll to fire the write waiter")
	}
}

func TestIoManagerAddTimerFiresFromReactor(t *testing.T) {
	io := newTestIoManager(t)

	fired := make(chan struct{}, 1)
	io.AddTimer(5, func() { fired <- struct{}{} }, false)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer to fire")
	}
}

func TestIoManagerCloseBeforeStopPanics(t *testing.T) {
	io, err := NewIoManager(1, false)
	require.NoError(t, err)
	require.Panics(t, func() { _ = io.Close() })

	io.Start()
	io.Stop()
	require.NoError(t, io.Close())
}
