package fetch

// State is the lifecycle stage of a Session.
type State int32

const (
	Idle State = iota
	Opening
	HeadersPending
	Streaming
	Finished
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case HeadersPending:
		return "headers-pending"
	case Streaming:
		return "streaming"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == Finished || s == Failed || s == Cancelled
}

// active reports whether s owns a transport stream.
func (s State) active() bool {
	return s == Opening || s == HeadersPending || s == Streaming
}
