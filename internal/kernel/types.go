package kernel

import (
	"strings"
	"time"
)

// ValueKind tags how an evaluation result should be interpreted
type ValueKind string

const (
	// KindExpr is a structured result rendered in InputForm (re-parseable)
	KindExpr ValueKind = "expr"
	// KindText is loose textual output rendered in OutputForm
	KindText ValueKind = "text"
)

// Mode selects how source text is evaluated
type Mode int

const (
	// ModeExpression parses strictly and returns a structured InputForm result
	ModeExpression Mode = iota
	// ModeTextual evaluates loosely and returns the printed form of the result
	ModeTextual
)

// String returns the metrics/log label for a mode
func (m Mode) String() string {
	if m == ModeTextual {
		return "textual"
	}
	return "expression"
}

// Value is a kind-tagged kernel evaluation result
type Value struct {
	Kind ValueKind
	Raw  string
}

// Failed reports whether the kernel returned its failure sentinel instead of
// a value. This is distinct from a transport error: the kernel executed the
// request and reported that the computation failed or was aborted.
func (v Value) Failed() bool {
	raw := strings.TrimSpace(v.Raw)
	return raw == "$Failed" || raw == "$Aborted"
}

// State describes the lifecycle position of the one logical kernel session
type State int

const (
	StateAbsent State = iota
	StateInitializing
	StateReady
	StateDead
	StateClosed
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// Outcome is the structured result returned for every execution request.
// Success implies Result is set and Err is empty; failure implies the
// reverse. Elapsed is wall-clock time, zero only when no session could be
// established.
type Outcome struct {
	Success bool
	Result  *Value
	Err     string
	Elapsed time.Duration
}

// SessionInfo is a diagnostic snapshot of the guarded session
type SessionInfo struct {
	Active        bool          `json:"active"`
	State         string        `json:"state"`
	CreatedAt     time.Time     `json:"created_at,omitzero"`
	LastActivity  time.Time     `json:"last_activity,omitzero"`
	IdleFor       time.Duration `json:"-"`
	IdleSeconds   float64       `json:"idle_seconds"`
	KernelVersion string        `json:"kernel_version,omitempty"`
}
