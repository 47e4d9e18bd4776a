package client

// SubmitState tracks a single user's in-flight selection and submission.
type SubmitState int

const (
	SubmitIdle SubmitState = iota
	SubmitSelected
	SubmitInFlight
	SubmitConfirmed
)

func (s SubmitState) String() string {
	switch s {
	case SubmitIdle:
		return "idle"
	case SubmitSelected:
		return "selected"
	case SubmitInFlight:
		return "submitting"
	case SubmitConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// SubmitFSM is the client-local submission state machine. A rejection or a
// transport drop while in flight lands back in Selected with the error
// recorded; it never silently confirms.
type SubmitFSM struct {
	state    SubmitState
	optionID int64
	err      error
}

func NewSubmitFSM() *SubmitFSM {
	return &SubmitFSM{state: SubmitIdle}
}

// Select records the user's choice. Changing the selection while a
// submission is in flight is not allowed.
func (f *SubmitFSM) Select(optionID int64) error {
	if f.state == SubmitInFlight {
		return ErrSubmitPending
	}
	f.state = SubmitSelected
	f.optionID = optionID
	f.err = nil
	return nil
}

// Begin transitions Selected -> InFlight and returns the option to submit.
// Membership gating (submit only while Joined) is the caller's concern;
// the FSM only guards its own states.
func (f *SubmitFSM) Begin() (int64, error) {
	switch f.state {
	case SubmitInFlight:
		return 0, ErrSubmitPending
	case SubmitSelected:
		f.state = SubmitInFlight
		f.err = nil
		return f.optionID, nil
	default:
		return 0, ErrNoSelection
	}
}

// Confirm marks an in-flight submission acknowledged. The acknowledgement
// is any subsequent broadcast, and the selection is cleared: the local
// selection state is destroyed on success.
func (f *SubmitFSM) Confirm() bool {
	if f.state != SubmitInFlight {
		return false
	}
	f.state = SubmitConfirmed
	f.optionID = 0
	f.err = nil
	return true
}

// Fail returns an in-flight submission to Selected with the error surfaced.
// Used for both server rejections and transport drops: a drop means the
// outcome is unknown and must not be assumed successful.
func (f *SubmitFSM) Fail(err error) bool {
	if f.state != SubmitInFlight {
		return false
	}
	f.state = SubmitSelected
	f.err = err
	return true
}

// Reset discards all selection state, e.g. on leaving the room. Not an error.
func (f *SubmitFSM) Reset() {
	f.state = SubmitIdle
	f.optionID = 0
	f.err = nil
}

func (f *SubmitFSM) State() SubmitState { return f.state }
func (f *SubmitFSM) OptionID() int64    { return f.optionID }
func (f *SubmitFSM) Err() error         { return f.err }
