package affect

import (
	"errors"
	"fmt"
	"math"
)

// RuleConfig parameterises one discrete affect. Every update first decays the
// affect by Decay (a fraction of its value), then adds Gain when the affect's
// rule fires. The meaning of Threshold depends on the affect; see
// [DefaultConfig].
type RuleConfig struct {
	Threshold float64 `yaml:"threshold"`
	Gain      float64 `yaml:"gain"`
	Decay     float64 `yaml:"decay"`
}

// Config holds the tunable coefficients of the affect model.
type Config struct {
	// DecayRate is the fraction of the distance to the baseline that the
	// current state recovers each turn, before trait scaling.
	DecayRate float64 `yaml:"decay_rate"`

	// SignalGain scales every signal contribution before trait scaling.
	SignalGain float64 `yaml:"signal_gain"`

	// FuzzyThreshold is the minimum Jaro-Winkler similarity for a token to
	// count as an approximate match of a lexicon cue.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// Comfort fires while valence stays above Threshold.
	Comfort RuleConfig `yaml:"comfort"`

	// Trust fires when this turn raised valence by more than Threshold.
	Trust RuleConfig `yaml:"trust"`

	// Irritation fires while valence is below -Threshold and arousal is above
	// Threshold.
	Irritation RuleConfig `yaml:"irritation"`

	// Anxiety fires when this turn raised arousal by more than Threshold while
	// valence is negative.
	Anxiety RuleConfig `yaml:"anxiety"`
}

// DefaultConfig returns the default coefficients.
//
//	decay_rate       0.10   signal_gain 0.50   fuzzy_threshold 0.92
//	comfort          threshold 0.30  gain 0.15  decay 0.05
//	trust            threshold 0.05  gain 0.10  decay 0.02
//	irritation       threshold 0.25  gain 0.20  decay 0.10
//	anxiety          threshold 0.15  gain 0.20  decay 0.10
func DefaultConfig() Config {
	return Config{
		DecayRate:      0.10,
		SignalGain:     0.50,
		FuzzyThreshold: 0.92,
		Comfort:        RuleConfig{Threshold: 0.30, Gain: 0.15, Decay: 0.05},
		Trust:          RuleConfig{Threshold: 0.05, Gain: 0.10, Decay: 0.02},
		Irritation:     RuleConfig{Threshold: 0.25, Gain: 0.20, Decay: 0.10},
		Anxiety:        RuleConfig{Threshold: 0.15, Gain: 0.20, Decay: 0.10},
	}
}

// Validate checks every coefficient and returns all violations joined.
func (c Config) Validate() error {
	var errs []error
	if !inRange(c.DecayRate, 0, 1) {
		errs = append(errs, fmt.Errorf("%w: decay_rate=%v outside [0,1]", ErrInvalidConfig, c.DecayRate))
	}
	if math.IsNaN(c.SignalGain) || c.SignalGain < 0 {
		errs = append(errs, fmt.Errorf("%w: signal_gain=%v must be >= 0", ErrInvalidConfig, c.SignalGain))
	}
	if !inRange(c.FuzzyThreshold, 0, 1) {
		errs = append(errs, fmt.Errorf("%w: fuzzy_threshold=%v outside [0,1]", ErrInvalidConfig, c.FuzzyThreshold))
	}
	for _, r := range []struct {
		name string
		rule RuleConfig
	}{
		{"comfort", c.Comfort},
		{"trust", c.Trust},
		{"irritation", c.Irritation},
		{"anxiety", c.Anxiety},
	} {
		if !inRange(r.rule.Decay, 0, 1) || !inRange(r.rule.Gain, 0, 1) || math.IsNaN(r.rule.Threshold) {
			errs = append(errs, fmt.Errorf("%w: rule %s gain/decay must lie in [0,1]", ErrInvalidConfig, r.name))
		}
	}
	return errors.Join(errs...)
}

// Engine applies signals to states. It is immutable after construction and
// safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine returns an Engine using cfg. Call [Config.Validate] first when cfg
// comes from user input.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine's coefficients.
func (e *Engine) Config() Config { return e.cfg }

// Update applies one turn of signals to s and returns the new state together
// with the delta actually applied to Current (new minus old, after clamping).
// s itself is not modified.
func (e *Engine) Update(s State, signals []Signal) (State, VAD) {
	old := s.Current

	pull := math.Min(e.cfg.DecayRate*(1+s.Traits.Stability), 1)
	next := old.Add(s.Baseline.Sub(old).Scale(pull))

	gain := VAD{
		Valence:   e.cfg.SignalGain * (1 + s.Traits.Sensitivity),
		Arousal:   e.cfg.SignalGain * (1 + s.Traits.Volatility),
		Dominance: e.cfg.SignalGain * (1 + s.Traits.Assertiveness),
	}
	for _, sig := range signals {
		if math.IsNaN(sig.Magnitude) || math.IsInf(sig.Magnitude, 0) {
			continue
		}
		next = next.Add(sig.Direction.Scale(sig.Magnitude).Mul(gain))
	}
	next = next.Clamp()

	delta := next.Sub(old)
	s.Current = next
	s.Discrete = e.discrete(s.Discrete, next, delta)
	s.History.CumulativeDelta = s.History.CumulativeDelta.Add(delta)
	s.Meta.Turns++
	return s, delta
}

func (e *Engine) discrete(d Discrete, cur, delta VAD) Discrete {
	c := e.cfg
	return Discrete{
		Comfort:    step(d.Comfort, c.Comfort, cur.Valence > c.Comfort.Threshold),
		Trust:      step(d.Trust, c.Trust, delta.Valence > c.Trust.Threshold),
		Irritation: step(d.Irritation, c.Irritation, cur.Valence < -c.Irritation.Threshold && cur.Arousal > c.Irritation.Threshold),
		Anxiety:    step(d.Anxiety, c.Anxiety, delta.Arousal > c.Anxiety.Threshold && cur.Valence < 0),
	}
}

func step(v float64, r RuleConfig, fire bool) float64 {
	v *= 1 - r.Decay
	if fire {
		v += r.Gain
	}
	return clamp01(v)
}
