package streamer

// Event is a notification event signalled when a streamer has reports
// ready. Signals coalesce until consumed.
type Event struct {
	ch chan struct{}
}

// NewEvent creates an unsignalled event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal sets the event.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// C returns a channel that receives once per signal.
func (e *Event) C() <-chan struct{} {
	return e.ch
}

// Signalled reports whether the event is set without consuming it.
func (e *Event) Signalled() bool {
	return len(e.ch) > 0
}

// Reset clears a pending signal.
func (e *Event) Reset() {
	select {
	case <-e.ch:
	default:
	}
}
