package remoteprogress

import "math/bits"

// State denotes the pipeline stage a Progress value belongs to.
type State string

// Supported progress states, listed in the order a real transfer emits them.
const (
	StateAddingObjects State = "ADDING_OBJECTS"
	StateDeltafication State = "DELTAFICATION"
	StateTransferring  State = "TRANSFERRING"
	StatePushing       State = "PUSHING"
	StateDone          State = "DONE"
)

// zeroTotalPercent is reported when both current and total are zero.
const zeroTotalPercent uint8 = 0

// Progress is the normalized view of a single backend update.
type Progress struct {
	// State is the transfer stage the update belongs to.
	State State `json:"state"`
	// Percent is always within [0,100]. It is not monotonic across updates.
	Percent uint8 `json:"percent"`
}

// New builds a Progress from a raw (current, total) snapshot. A current larger
// than total clamps to 100; a zero total with zero current yields 0.
func New(state State, current, total uint64) Progress {
	return Progress{State: state, Percent: percent(current, total)}
}

// Finished is the collapse-to-done value used for terminal and unrecognized
// payloads.
func Finished() Progress {
	return New(StateDone, 1, 1)
}

// IsDone reports whether p is in the terminal state.
func (p Progress) IsDone() bool {
	return p.State == StateDone
}

func percent(current, total uint64) uint8 {
	if current > total {
		total = current
	}
	if total == 0 {
		return zeroTotalPercent
	}
	// current <= total keeps the quotient <= 100, so hi < total and Div64 cannot panic.
	hi, lo := bits.Mul64(current, 100)
	q, _ := bits.Div64(hi, lo, total)
	return uint8(q)
}
