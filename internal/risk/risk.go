// Package risk scores a client context against a user's trust profile.
//
// Eight independent signals are checked. Each failing signal adds its fixed
// weight to the score; a signal whose input is missing fails. Scores are
// non-negative integers from 0 (every signal passes) to the sum of all
// weights (nothing passes). Policy turns a score into a decision.
package risk

import (
	"fmt"
	"sort"
)

// Signal names one scored property of a client context.
type Signal string

const (
	SignalNetwork         Signal = "network"
	SignalDevice          Signal = "device"
	SignalLoginHour       Signal = "login_hour"
	SignalLocation        Signal = "location"
	SignalTypingSpeed     Signal = "typing_speed"
	SignalPointerActivity Signal = "pointer_activity"
	SignalTabSwitches     Signal = "tab_switches"
	SignalFrameDrops      Signal = "frame_drops"
)

// AllSignals lists every signal in evaluation order.
var AllSignals = []Signal{
	SignalNetwork,
	SignalDevice,
	SignalLoginHour,
	SignalLocation,
	SignalTypingSpeed,
	SignalPointerActivity,
	SignalTabSwitches,
	SignalFrameDrops,
}

// Signal thresholds.
const (
	EarliestLoginHour = 6
	LatestLoginHour   = 22 // inclusive
	MinTypingSpeed    = 300.0
	MinPointerSamples = 10
	MaxTabSwitches    = 1
	MaxFrameDrops     = 5
)

// Weights maps each signal to the score it adds when it fails.
type Weights map[Signal]int

// DefaultWeights returns the built-in weight table. Identity signals
// (network, device, location) weigh 2 and behavioral signals weigh 1,
// so the maximum score is 11.
func DefaultWeights() Weights {
	return Weights{
		SignalNetwork:         2,
		SignalDevice:          2,
		SignalLocation:        2,
		SignalLoginHour:       1,
		SignalTypingSpeed:     1,
		SignalPointerActivity: 1,
		SignalTabSwitches:     1,
		SignalFrameDrops:      1,
	}
}

// Validate checks that every signal has a non-negative weight and no
// unknown signal is present.
func (w Weights) Validate() error {
	known := make(map[Signal]bool, len(AllSignals))
	for _, s := range AllSignals {
		known[s] = true
		v, ok := w[s]
		if !ok {
			return fmt.Errorf("risk: missing weight for signal %q", s)
		}
		if v < 0 {
			return fmt.Errorf("risk: negative weight %d for signal %q", v, s)
		}
	}
	for s := range w {
		if !known[s] {
			return fmt.Errorf("risk: unknown signal %q", s)
		}
	}
	return nil
}

// Max is the score of a context that fails every signal.
func (w Weights) Max() int {
	total := 0
	for _, s := range AllSignals {
		total += w[s]
	}
	return total
}

// Clone returns an independent copy of the table.
func (w Weights) Clone() Weights {
	cp := make(Weights, len(w))
	for k, v := range w {
		cp[k] = v
	}
	return cp
}

// Assessment is the result of evaluating one context.
type Assessment struct {
	Score   int             `json:"score"`
	Signals map[Signal]bool `json:"signals"` // true = pass
	Failed  []Signal        `json:"failed"`
}

// failedSorted returns the failing signals in stable name order.
func failedSorted(signals map[Signal]bool) []Signal {
	failed := make([]Signal, 0, len(signals))
	for s, pass := range signals {
		if !pass {
			failed = append(failed, s)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}
