package remoteprogress

// Notification is a single progress payload emitted by the backend's transfer
// callback. The set of implementations is closed to this package.
type Notification interface {
	notification()
}

// PackStage identifies the sub-phase of pack building.
type PackStage int

// Pack building stages.
const (
	PackAddingObjects PackStage = iota
	PackDeltafication
)

// String returns the stage name.
func (s PackStage) String() string {
	switch s {
	case PackAddingObjects:
		return "adding_objects"
	case PackDeltafication:
		return "deltafication"
	default:
		return "unknown"
	}
}

// Packing reports pack building on the sending side.
type Packing struct {
	Stage   PackStage
	Current uint64
	Total   uint64
}

// PushTransfer reports objects uploaded to the remote.
type PushTransfer struct {
	Current uint64
	Total   uint64
	Bytes   uint64
}

// Transfer reports objects received from the remote during a fetch.
type Transfer struct {
	Objects       uint64
	TotalObjects  uint64
	ReceivedBytes uint64
}

// UpdateTips reports a reference moved by the transfer. It carries no counters.
type UpdateTips struct {
	Name string
	From string
	To   string
}

// Done is the terminal payload; the relay stops after processing it.
type Done struct{}

func (Packing) notification()      {}
func (PushTransfer) notification() {}
func (Transfer) notification()     {}
func (UpdateTips) notification()   {}
func (Done) notification()         {}

// FromNotification maps a backend payload to a Progress. It is total: every
// payload that is not a recognized counter update, including Done, UpdateTips
// and nil, collapses to Finished.
func FromNotification(n Notification) Progress {
	switch v := n.(type) {
	case Packing:
		switch v.Stage {
		case PackAddingObjects:
			return New(StateAddingObjects, v.Current, v.Total)
		case PackDeltafication:
			return New(StateDeltafication, v.Current, v.Total)
		}
	case PushTransfer:
		return New(StatePushing, v.Current, v.Total)
	case Transfer:
		return New(StateTransferring, v.Objects, v.TotalObjects)
	}
	return Finished()
}

// IsTerminal reports whether n ends the relay loop. Only Done does; other
// payloads that map to Finished keep the relay listening.
func IsTerminal(n Notification) bool {
	_, ok := n.(Done)
	return ok
}
