package remoteprogress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type unknownNotification struct{}

func (unknownNotification) notification() {}

func TestFromNotification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Notification
		want Progress
	}{
		{
			name: "packing adding objects",
			in:   Packing{Stage: PackAddingObjects, Current: 3, Total: 12},
			want: Progress{State: StateAddingObjects, Percent: 25},
		},
		{
			name: "packing deltafication",
			in:   Packing{Stage: PackDeltafication, Current: 1, Total: 2},
			want: Progress{State: StateDeltafication, Percent: 50},
		},
		{
			name: "push transfer",
			in:   PushTransfer{Current: 7, Total: 10, Bytes: 4096},
			want: Progress{State: StatePushing, Percent: 70},
		},
		{
			name: "fetch transfer",
			in:   Transfer{Objects: 9, TotalObjects: 10, ReceivedBytes: 1},
			want: Progress{State: StateTransferring, Percent: 90},
		},
		{
			name: "fetch transfer empty",
			in:   Transfer{},
			want: Progress{State: StateTransferring, Percent: 0},
		},
		{
			name: "done",
			in:   Done{},
			want: Finished(),
		},
		{
			name: "update tips collapses to done",
			in:   UpdateTips{Name: "refs/heads/main", From: "a", To: "b"},
			want: Finished(),
		},
		{
			name: "unknown pack stage collapses to done",
			in:   Packing{Stage: PackStage(42), Current: 1, Total: 4},
			want: Finished(),
		},
		{
			name: "unknown payload collapses to done",
			in:   unknownNotification{},
			want: Finished(),
		},
		{
			name: "nil collapses to done",
			in:   nil,
			want: Finished(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FromNotification(tt.in))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, IsTerminal(Done{}))
	require.False(t, IsTerminal(UpdateTips{}))
	require.False(t, IsTerminal(PushTransfer{Current: 1, Total: 1}))
	require.False(t, IsTerminal(nil))
}

func TestPackStageString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "adding_objects", PackAddingObjects.String())
	require.Equal(t, "deltafication", PackDeltafication.String())
	require.Equal(t, "unknown", PackStage(9).String())
}
