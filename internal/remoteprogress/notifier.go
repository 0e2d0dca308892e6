package remoteprogress

import (
	"errors"
	"sync"
)

// ErrSignalSend signals that the outbound notifier has no live receiver.
var ErrSignalSend = errors.New("progress signal receiver gone")

// Notifier delivers the payload-free "new progress available" signal.
type Notifier interface {
	Notify() error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func() error

// Notify calls f.
func (f NotifierFunc) Notify() error {
	return f()
}

// ChanNotifier sends a fixed application value into a channel for every
// signal. The receiving side calls Close when it stops reading so that
// pending and future sends fail with ErrSignalSend instead of blocking.
type ChanNotifier[T any] struct {
	ch    chan<- T
	value T
	gone  chan struct{}
	once  sync.Once
}

// NewChanNotifier returns a notifier that sends value into ch.
func NewChanNotifier[T any](ch chan<- T, value T) *ChanNotifier[T] {
	return &ChanNotifier[T]{
		ch:    ch,
		value: value,
		gone:  make(chan struct{}),
	}
}

// Notify blocks until the value is accepted or the receiver closes.
func (n *ChanNotifier[T]) Notify() error {
	select {
	case <-n.gone:
		return ErrSignalSend
	default:
	}
	select {
	case n.ch <- n.value:
		return nil
	case <-n.gone:
		return ErrSignalSend
	}
}

// Close marks the receiver as gone. It is safe to call more than once.
func (n *ChanNotifier[T]) Close() {
	n.once.Do(func() { close(n.gone) })
}
