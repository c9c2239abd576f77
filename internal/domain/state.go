package domain

// Phase is the coarse position of a session in the acquisition state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAcquiring Phase = "acquiring" // started, no fix recorded yet
	PhaseRefining  Phase = "refining"  // started, at least one fix recorded
	PhaseDone      Phase = "done"
)

// State is the AcquisitionState of one session. Controllers replace it
// wholesale on reset and hand out copies; the pointed-to Fix and Address
// values are never mutated after they are stored.
type State struct {
	Session          uint64    `json:"session"`
	Phase            Phase     `json:"phase"`
	BestFix          *Fix      `json:"best_fix,omitempty"`
	LastFixError     ErrorKind `json:"last_fix_error,omitempty"`
	Address          *Address  `json:"address,omitempty"`
	AddressError     ErrorKind `json:"address_error,omitempty"`
	ResolvingAddress bool      `json:"resolving_address"`
	IsAcquiring      bool      `json:"is_acquiring"`
}

// NewState returns the empty state for a session.
func NewState(session uint64) State {
	return State{Session: session, Phase: PhaseIdle}
}

// HasFix reports whether a best fix has been recorded.
func (s State) HasFix() bool {
	return s.BestFix != nil
}
