// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package legacy

// Phase records how far the lifecycle has progressed. It is state for
// status surfaces, not a transition engine; the Service methods enforce
// ordering themselves.
type Phase int

// Lifecycle phases in order.
const (
	PhaseNew Phase = iota
	PhaseDiscovered
	PhaseSetup
	PhaseStarted
	PhaseStopped
)

// String returns the phase name for logs and status output.
func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseDiscovered:
		return "discovered"
	case PhaseSetup:
		return "setup"
	case PhaseStarted:
		return "started"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
