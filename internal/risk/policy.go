package risk

import "fmt"

// Level is the advisory band a score falls into.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Decision is the policy's verdict on an action.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionStepUp Decision = "step_up"
	DecisionBlock  Decision = "block"
)

// Policy holds the externally observable decision thresholds.
//
//	score >= Block                        → block
//	StepUp <= score < Block, value > Value → step-up
//	otherwise                             → allow
type Policy struct {
	Block  int   `json:"block"`
	StepUp int   `json:"stepUp"`
	Value  int64 `json:"value"` // paise
}

// Validate requires 0 < StepUp < Block and a non-negative value gate.
func (p Policy) Validate() error {
	if p.StepUp <= 0 {
		return fmt.Errorf("risk: step-up threshold must be positive, got %d", p.StepUp)
	}
	if p.Block <= p.StepUp {
		return fmt.Errorf("risk: block threshold %d must exceed step-up threshold %d", p.Block, p.StepUp)
	}
	if p.Value < 0 {
		return fmt.Errorf("risk: value threshold must not be negative")
	}
	return nil
}

// Level classifies a score.
func (p Policy) Level(score int) Level {
	switch {
	case score >= p.Block:
		return LevelHigh
	case score >= p.StepUp:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Decide applies the decision table. A value gate applies only when gated is
// true; login step-up passes false so every medium score asks for a code.
func (p Policy) Decide(score int, value int64, gated bool) Decision {
	switch p.Level(score) {
	case LevelHigh:
		return DecisionBlock
	case LevelMedium:
		if !gated || value > p.Value {
			return DecisionStepUp
		}
		return DecisionAllow
	default:
		return DecisionAllow
	}
}
