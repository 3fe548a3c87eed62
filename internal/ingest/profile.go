package ingest

import "github.com/MrWong99/memoria/pkg/affect"

// Profile is the persona configuration a character's emotional state is
// initialised from. It is immutable for the life of the state.
type Profile struct {
	Name     string
	Baseline affect.VAD
	Traits   affect.Traits
}

// ProfileSource resolves persona profiles by character ID.
type ProfileSource interface {
	Profile(characterID string) (Profile, bool)
}

// StaticProfiles is a [ProfileSource] backed by a map.
type StaticProfiles map[string]Profile

// Profile implements [ProfileSource].
func (p StaticProfiles) Profile(characterID string) (Profile, bool) {
	prof, ok := p[characterID]
	return prof, ok
}
