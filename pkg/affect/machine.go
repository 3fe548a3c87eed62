package affect

// Context is the per-turn information guards may inspect in addition to the
// state itself.
type Context struct {
	// Delta is the VAD delta returned by [Engine.Update] for this turn.
	Delta VAD

	// Signals are the signals that produced Delta.
	Signals []Signal
}

// HasKind reports whether any signal in c is of kind k.
func (c Context) HasKind(k Kind) bool {
	for _, s := range c.Signals {
		if s.Kind == k {
			return true
		}
	}
	return false
}

// Guard is one candidate transition. Guards are not mutually exclusive; the
// [Machine] resolves overlaps by order.
type Guard struct {
	Name   string
	Target Mode
	Match  func(State, Context) bool
}

// Transition reports the outcome of [Machine.Evaluate].
type Transition struct {
	// Transitioned is true only when the mode actually changed.
	Transitioned bool `json:"transitioned"`

	From Mode `json:"from"`
	To   Mode `json:"to"`

	// Guard names the guard that matched, or "" when none did.
	Guard string `json:"guard,omitempty"`
}

// Machine evaluates an ordered guard list against a state.
type Machine struct {
	guards []Guard
}

// NewMachine returns a machine over guards. The slice is copied; its order is
// the tie-break rule.
func NewMachine(guards []Guard) *Machine {
	g := make([]Guard, len(guards))
	copy(g, guards)
	return &Machine{guards: g}
}

// Guards returns a copy of the machine's guard list.
func (m *Machine) Guards() []Guard {
	g := make([]Guard, len(m.guards))
	copy(g, m.guards)
	return g
}

// Evaluate runs the guards in order and returns the first match. When no
// guard matches, or the matching guard targets the current mode, the mode is
// unchanged. Use [Apply] to write the result back into a state.
func (m *Machine) Evaluate(s State, c Context) Transition {
	for _, g := range m.guards {
		if g.Match == nil || !g.Target.Valid() || !g.Match(s, c) {
			continue
		}
		return Transition{
			Transitioned: g.Target != s.Mode,
			From:         s.Mode,
			To:           g.Target,
			Guard:        g.Name,
		}
	}
	return Transition{From: s.Mode, To: s.Mode}
}

// Apply returns s with its mode set to t.To.
func Apply(s State, t Transition) State {
	s.Mode = t.To
	return s
}

// DefaultGuards returns the built-in guard table, in priority order:
//
//  1. agitated:  irritation >= 0.5, or arousal >= 0.6 with negative valence
//  2. withdrawn: anxiety >= 0.5, or valence <= -0.5 with dominance <= -0.3
//  3. guarded:   trust < 0.2 and valence < -0.1, or a threat cue this turn
//  4. warm:      comfort >= 0.4 and trust >= 0.3, or valence >= 0.5
//  5. neutral:   a non-neutral mode settles once the state is back near rest
func DefaultGuards() []Guard {
	return []Guard{
		{
			Name:   "agitated",
			Target: ModeAgitated,
			Match: func(s State, _ Context) bool {
				return s.Discrete.Irritation >= 0.5 ||
					(s.Current.Arousal >= 0.6 && s.Current.Valence < 0)
			},
		},
		{
			Name:   "withdrawn",
			Target: ModeWithdrawn,
			Match: func(s State, _ Context) bool {
				return s.Discrete.Anxiety >= 0.5 ||
					(s.Current.Valence <= -0.5 && s.Current.Dominance <= -0.3)
			},
		},
		{
			Name:   "guarded",
			Target: ModeGuarded,
			Match: func(s State, c Context) bool {
				return (s.Discrete.Trust < 0.2 && s.Current.Valence < -0.1) || c.HasKind(KindThreat)
			},
		},
		{
			Name:   "warm",
			Target: ModeWarm,
			Match: func(s State, _ Context) bool {
				return (s.Discrete.Comfort >= 0.4 && s.Discrete.Trust >= 0.3) || s.Current.Valence >= 0.5
			},
		},
		{
			Name:   "settle",
			Target: ModeNeutral,
			Match: func(s State, _ Context) bool {
				return s.Mode != ModeNeutral && s.Current.Sub(s.Baseline).Magnitude() < 0.15
			},
		},
	}
}
