package internal

// EventType indexes the two directions a PollData can be armed for.
type EventType int8

const (
	ReadEvent EventType = iota
	WriteEvent
	numEvents
)

// Handler is invoked by the Poller when the event it was registered for
// fires. A nil error means the event actually occurred; a non-nil error
// means the waiter was unblocked some other way (cancellation, a fatal
// poller condition).
type Handler func(error)

// PollData is the per-fd bookkeeping the Poller multiplexes on. One
// PollData is owned by whatever object represents the fd (an IoManager
// FdEventSlot, or the Poller's own waker eventfd); the Poller only ever
// reads and mutates its Flags through the Set*/Del* calls in
// poll_linux.go.
type PollData struct {
	Fd    int
	Flags PollFlags
	Cbs   [numEvents]Handler
}

func (pd *PollData) Set(et EventType, h Handler) {
	pd.Cbs[et] = h
}

func (pd *PollData) Armed(et EventType) bool {
	switch et {
	case ReadEvent:
		return pd.Flags&ReadFlags == ReadFlags
	case WriteEvent:
		return pd.Flags&WriteFlags == WriteFlags
	default:
		return false
	}
}
