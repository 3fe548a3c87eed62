package affect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when a baseline, trait set or engine
// configuration is outside its legal range. Initial configuration is never
// clamped; only the running state is.
var ErrInvalidConfig = errors.New("affect: invalid configuration")

// ─────────────────────────────────────────────────────────────────────────────
// Mode
// ─────────────────────────────────────────────────────────────────────────────

// Mode is a discrete behavioural state of a character.
type Mode int

const (
	// ModeNeutral is the initial mode of every [State].
	ModeNeutral Mode = iota
	ModeWarm
	ModeGuarded
	ModeAgitated
	ModeWithdrawn
)

var modeNames = [...]string{
	ModeNeutral:   "neutral",
	ModeWarm:      "warm",
	ModeGuarded:   "guarded",
	ModeAgitated:  "agitated",
	ModeWithdrawn: "withdrawn",
}

// Modes returns every member of the closed mode set in declaration order.
func Modes() []Mode {
	return []Mode{ModeNeutral, ModeWarm, ModeGuarded, ModeAgitated, ModeWithdrawn}
}

// Valid reports whether m is a member of the closed mode set.
func (m Mode) Valid() bool {
	return m >= ModeNeutral && int(m) < len(modeNames)
}

// String implements [fmt.Stringer].
func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode is the inverse of [Mode.String]. It is case-insensitive.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return ModeNeutral, fmt.Errorf("affect: unknown mode %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("affect: cannot marshal invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Traits
// ─────────────────────────────────────────────────────────────────────────────

// Traits are static personality parameters that weight how strongly incoming
// signals move each VAD dimension. Every field lies in [0, 1].
type Traits struct {
	// Volatility amplifies arousal responses.
	Volatility float64 `json:"volatility" yaml:"volatility"`

	// Sensitivity amplifies valence responses.
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`

	// Assertiveness amplifies dominance responses.
	Assertiveness float64 `json:"assertiveness" yaml:"assertiveness"`

	// Stability speeds up the regression of the current state toward the
	// baseline.
	Stability float64 `json:"stability" yaml:"stability"`
}

// Validate returns an error wrapping [ErrInvalidConfig] for every trait
// outside [0, 1].
func (t Traits) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"volatility", t.Volatility},
		{"sensitivity", t.Sensitivity},
		{"assertiveness", t.Assertiveness},
		{"stability", t.Stability},
	} {
		if !inRange(f.v, 0, 1) {
			errs = append(errs, fmt.Errorf("%w: trait %s=%v outside [0,1]", ErrInvalidConfig, f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────────────────────
// State
// ─────────────────────────────────────────────────────────────────────────────

// Discrete holds the derived affects. Each lies in [0, 1] and is recomputed
// by [Engine.Update] from the VAD trajectory; none is ever asserted directly.
type Discrete struct {
	Comfort    float64 `json:"comfort"`
	Trust      float64 `json:"trust"`
	Irritation float64 `json:"irritation"`
	Anxiety    float64 `json:"anxiety"`
}

// History carries drift diagnostics.
type History struct {
	// CumulativeDelta is the unclamped running sum of every applied delta.
	CumulativeDelta VAD `json:"cumulative_delta"`
}

// Meta carries bookkeeping counters.
type Meta struct {
	// Turns counts applied updates. It never decreases.
	Turns int `json:"turns"`
}

// State is the complete emotional representation of one character. It is a
// plain value: copying a State yields an independent state.
type State struct {
	Baseline VAD      `json:"baseline"`
	Current  VAD      `json:"current"`
	Discrete Discrete `json:"discrete"`
	Mode     Mode     `json:"mode"`
	Traits   Traits   `json:"traits"`
	History  History  `json:"history"`
	Meta     Meta     `json:"meta"`
}

// New returns a fresh state resting at baseline with zeroed affects, zero
// turns and [ModeNeutral]. A baseline component outside [-1, 1] or a trait
// outside [0, 1] is rejected with an error wrapping [ErrInvalidConfig].
func New(baseline VAD, traits Traits) (State, error) {
	var errs []error
	if !baseline.InRange() {
		errs = append(errs, fmt.Errorf("%w: baseline %s outside [%v,%v]", ErrInvalidConfig, baseline, MinVAD, MaxVAD))
	}
	if err := traits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return State{}, err
	}
	return State{
		Baseline: baseline,
		Current:  baseline,
		Mode:     ModeNeutral,
		Traits:   traits,
	}, nil
}
