package dispatch

import "time"

// Observer receives engine events, typically to export metrics. Methods are
// called from the control goroutine except CallStarted, which runs in the
// call goroutine.
type Observer interface {
	CallStarted()
	CallFinished(kind OutcomeKind, elapsed time.Duration)
	RecordBuffered(stream StreamKind)
	Flushed()
}

type nopObserver struct{}

func (nopObserver) CallStarted()                            {}
func (nopObserver) CallFinished(OutcomeKind, time.Duration) {}
func (nopObserver) RecordBuffered(StreamKind)               {}
func (nopObserver) Flushed()                                {}
