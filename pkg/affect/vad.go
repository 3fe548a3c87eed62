// Package affect implements the emotional model of a character: a continuous
// valence-arousal-dominance (VAD) state, a set of discrete affects derived from
// its history, and a small finite-state machine of behavioural modes.
//
// Everything in this package is pure. [Engine.Update] and [Machine.Evaluate]
// take a [State] by value and return a new one, so they may be called from any
// goroutine without synchronisation.
package affect

import (
	"fmt"
	"math"
)

// Bounds of every VAD component.
const (
	MinVAD = -1.0
	MaxVAD = 1.0
)

// VAD is a point in valence-arousal-dominance space.
type VAD struct {
	// Valence is pleasantness, from -1 (distress) to 1 (delight).
	Valence float64 `json:"valence" yaml:"valence"`

	// Arousal is activation, from -1 (lethargic) to 1 (agitated).
	Arousal float64 `json:"arousal" yaml:"arousal"`

	// Dominance is felt control, from -1 (submissive) to 1 (in charge).
	Dominance float64 `json:"dominance" yaml:"dominance"`
}

// Add returns v+o component-wise.
func (v VAD) Add(o VAD) VAD {
	return VAD{v.Valence + o.Valence, v.Arousal + o.Arousal, v.Dominance + o.Dominance}
}

// Sub returns v-o component-wise.
func (v VAD) Sub(o VAD) VAD {
	return VAD{v.Valence - o.Valence, v.Arousal - o.Arousal, v.Dominance - o.Dominance}
}

// Scale multiplies every component by f.
func (v VAD) Scale(f float64) VAD {
	return VAD{v.Valence * f, v.Arousal * f, v.Dominance * f}
}

// Mul returns the component-wise (Hadamard) product of v and o.
func (v VAD) Mul(o VAD) VAD {
	return VAD{v.Valence * o.Valence, v.Arousal * o.Arousal, v.Dominance * o.Dominance}
}

// Magnitude returns the euclidean length of v.
func (v VAD) Magnitude() float64 {
	return math.Sqrt(v.Valence*v.Valence + v.Arousal*v.Arousal + v.Dominance*v.Dominance)
}

// Clamp saturates every component into [MinVAD, MaxVAD]. NaN components
// collapse to 0.
func (v VAD) Clamp() VAD {
	return VAD{clampVAD(v.Valence), clampVAD(v.Arousal), clampVAD(v.Dominance)}
}

// InRange reports whether every component lies within [MinVAD, MaxVAD].
func (v VAD) InRange() bool {
	return inRange(v.Valence, MinVAD, MaxVAD) &&
		inRange(v.Arousal, MinVAD, MaxVAD) &&
		inRange(v.Dominance, MinVAD, MaxVAD)
}

// String formats v as "(v=0.12 a=-0.40 d=0.00)".
func (v VAD) String() string {
	return fmt.Sprintf("(v=%.2f a=%.2f d=%.2f)", v.Valence, v.Arousal, v.Dominance)
}

func clampVAD(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(MinVAD, math.Min(MaxVAD, x))
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

func inRange(x, lo, hi float64) bool {
	return !math.IsNaN(x) && x >= lo && x <= hi
}
