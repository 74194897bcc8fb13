package state

import "time"

// Phase is one step of the bootstrap state machine. Transitions are strictly
// forward; a process runs the machine at most once.
type Phase string

const (
	PhaseIdle               Phase = "Idle"
	PhaseValidatingPeers    Phase = "ValidatingPeers"
	PhaseResolvingAddresses Phase = "ResolvingAddresses"
	PhaseForming            Phase = "Forming"
	PhasePollingConvergence Phase = "PollingConvergence"
	PhaseConverged          Phase = "Converged"
	PhaseFailed             Phase = "Failed"
)

// Terminal reports whether the phase ends the state machine.
func (p Phase) Terminal() bool {
	return p == PhaseConverged || p == PhaseFailed
}

// BootstrapState is the bootstrap progress document one supervisor reports
// to its peers over HTTP.
type BootstrapState struct {
	NodeName  string   `json:"node_name"`
	Phase     Phase    `json:"phase"`
	Initiator bool     `json:"initiator"`
	Peers     []string `json:"peers"`
	// Error holds the operator-readable failure reason once Phase is Failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when the bootstrap run began; UpdatedAt tracks the last
	// phase transition.
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
