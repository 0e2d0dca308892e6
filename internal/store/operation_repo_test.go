package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusRunning, StatusSucceeded, StatusClosed, StatusCanceled, StatusFailed} {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseStatus("paused")
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	got, err := ParseKind("push")
	require.NoError(t, err)
	require.Equal(t, KindPush, got)
	_, err = ParseKind("clone")
	require.Error(t, err)
}
