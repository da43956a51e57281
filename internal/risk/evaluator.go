package risk

import (
	"github.com/mbd888/trustbank/internal/trust"
)

// Evaluator scores contexts with a fixed weight table. It holds no mutable
// state and is safe for concurrent use.
type Evaluator struct {
	weights   Weights
	tolerance float64
}

// NewEvaluator creates an evaluator. A nil table uses DefaultWeights.
func NewEvaluator(weights Weights) (*Evaluator, error) {
	if weights == nil {
		weights = DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{weights: weights.Clone(), tolerance: trust.LocationTolerance}, nil
}

// Weights returns a copy of the active weight table.
func (e *Evaluator) Weights() Weights {
	return e.weights.Clone()
}

// MaxScore is the score of a context that fails every signal.
func (e *Evaluator) MaxScore() int {
	return e.weights.Max()
}

// Evaluate scores cc against p. It has no side effects and returns the same
// assessment for the same inputs. A nil context or profile fails every
// signal that depends on it.
func (e *Evaluator) Evaluate(cc *trust.ClientContext, p *trust.Profile) Assessment {
	if cc == nil {
		cc = &trust.ClientContext{}
	}

	signals := map[Signal]bool{
		SignalNetwork:         p.HasNetwork(cc.IP),
		SignalDevice:          p.HasDevice(cc.Device),
		SignalLoginHour:       loginHourOK(cc),
		SignalLocation:        cc.Location != nil && p.NearKnownLocation(*cc.Location, e.tolerance),
		SignalTypingSpeed:     cc.TypingSpeed != nil && *cc.TypingSpeed >= MinTypingSpeed,
		SignalPointerActivity: cc.PointerSamples != nil && *cc.PointerSamples >= MinPointerSamples,
		SignalTabSwitches:     cc.TabSwitches != nil && *cc.TabSwitches >= 0 && *cc.TabSwitches <= MaxTabSwitches,
		SignalFrameDrops:      cc.FrameDrops != nil && *cc.FrameDrops >= 0 && *cc.FrameDrops <= MaxFrameDrops,
	}

	score := 0
	for _, s := range AllSignals {
		if !signals[s] {
			score += e.weights[s]
		}
	}

	return Assessment{
		Score:   score,
		Signals: signals,
		Failed:  failedSorted(signals),
	}
}

func loginHourOK(cc *trust.ClientContext) bool {
	h, ok := cc.LoginHour()
	return ok && h >= EarliestLoginHour && h <= LatestLoginHour
}
