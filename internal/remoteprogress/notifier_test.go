package remoteprogress

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChanNotifierDelivers(t *testing.T) {
	t.Parallel()

	ch := make(chan string, 1)
	n := NewChanNotifier[string](ch, "poll")
	require.NoError(t, n.Notify())
	require.Equal(t, "poll", <-ch)
}

// TestChanNotifierCloseUnblocksSend ensures a blocked send fails once the receiver leaves.
func TestChanNotifierCloseUnblocksSend(t *testing.T) {
	t.Parallel()

	n := NewChanNotifier[int](make(chan int), 1)
	errCh := make(chan error, 1)
	go func() { errCh <- n.Notify() }()

	time.Sleep(10 * time.Millisecond)
	n.Close()
	n.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSignalSend)
	case <-time.After(time.Second):
		t.Fatal("notify stayed blocked after close")
	}
	require.ErrorIs(t, n.Notify(), ErrSignalSend)
}

func TestNotifierFunc(t *testing.T) {
	t.Parallel()

	want := errors.New("nope")
	require.ErrorIs(t, NotifierFunc(func() error { return want }).Notify(), want)
}
