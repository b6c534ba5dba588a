// Package ratelimit gates outbound ESI requests on the shared error budget.
//
// ESI bans clients that exhaust the error budget advertised in the
// X-ESI-Error-Limit-Remain / X-ESI-Error-Limit-Reset headers. The budget is
// per source IP, so every ingest instance shares one view of it in Redis.
package ratelimit

import (
	"time"
)

// Redis keys for the shared budget state.
const (
	KeyErrorsRemaining = "esi:error_budget:remaining"
	KeyResetAt         = "esi:error_budget:reset_at"
)

// Thresholds decide when the budget blocks or slows requests.
type Thresholds struct {
	// Critical blocks every request while remaining < Critical.
	Critical int

	// Warning throttles requests while remaining < Warning.
	Warning int

	// ThrottleDelay is the pause applied in the warning band.
	ThrottleDelay time.Duration
}

// DefaultThresholds mirror the ESI guidance for unattended clients.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical:      5,
		Warning:       20,
		ThrottleDelay: time.Second,
	}
}

// Budget is a snapshot of the shared error budget.
type Budget struct {
	Remaining int
	ResetAt   time.Time
	// Known is false when no ESI response has reported a budget yet.
	Known bool
}

// Decision is what the gate does with the next request.
type Decision int

const (
	// Allow sends the request immediately.
	Allow Decision = iota
	// Throttle sends the request after ThrottleDelay.
	Throttle
	// Block refuses the request until the budget resets.
	Block
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Decide classifies the budget at now. A budget whose reset time has passed
// no longer restricts anything.
func (b Budget) Decide(th Thresholds, now time.Time) Decision {
	if !b.Known || !now.Before(b.ResetAt) {
		return Allow
	}
	switch {
	case b.Remaining < th.Critical:
		return Block
	case b.Remaining < th.Warning:
		return Throttle
	default:
		return Allow
	}
}
