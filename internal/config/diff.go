package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only settings that
// "memoria serve" can apply without a restart are tracked; everything else
// needs one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RetrievalChanged is true when any retrieval tuning value changed.
	RetrievalChanged bool

	// CharactersChanged is true when any persona profile was added,
	// removed or edited.
	CharactersChanged bool
	CharacterChanges  []CharacterDiff

	// RestartRequired lists the top-level sections whose changes are not
	// applied live.
	RestartRequired []string
}

// CharacterDiff describes what changed for one character profile. Edited
// profiles only affect characters created afterwards; a stored emotional
// state keeps the baseline it was created with.
type CharacterDiff struct {
	ID              string
	Added           bool
	Removed         bool
	NameChanged     bool
	BaselineChanged bool
	TraitsChanged   bool
}

// IsEmpty reports whether d holds no changes at all.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.RetrievalChanged && !d.CharactersChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Retrieval != new.Retrieval {
		d.RetrievalChanged = true
	}

	oldChars := make(map[string]*CharacterConfig, len(old.Characters))
	for i := range old.Characters {
		oldChars[old.Characters[i].ID] = &old.Characters[i]
	}
	newChars := make(map[string]*CharacterConfig, len(new.Characters))
	for i := range new.Characters {
		newChars[new.Characters[i].ID] = &new.Characters[i]
	}
	for id, oc := range oldChars {
		nc, ok := newChars[id]
		if !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Removed: true})
			continue
		}
		cd := CharacterDiff{
			ID:              id,
			NameChanged:     oc.Name != nc.Name,
			BaselineChanged: oc.Baseline != nc.Baseline,
			TraitsChanged:   oc.Traits != nc.Traits,
		}
		if cd.NameChanged || cd.BaselineChanged || cd.TraitsChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
		}
	}
	for id := range newChars {
		if _, ok := oldChars[id]; !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.CharacterChanges, func(a, b CharacterDiff) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	d.CharactersChanged = len(d.CharacterChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.VectorIndex != new.VectorIndex {
		d.RestartRequired = append(d.RestartRequired, "vector_index")
	}
	if !embeddingsEqual(old.Embeddings, new.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "embeddings")
	}
	if old.Affect != new.Affect {
		d.RestartRequired = append(d.RestartRequired, "affect")
	}
	if old.Ingest != new.Ingest {
		d.RestartRequired = append(d.RestartRequired, "ingest")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func embeddingsEqual(a, b EmbeddingsConfig) bool {
	if a.CircuitBreaker != b.CircuitBreaker || a.Cache != b.Cache {
		return false
	}
	if !providerEqual(a.ProviderEntry, b.ProviderEntry) {
		return false
	}
	return slices.EqualFunc(a.Fallbacks, b.Fallbacks, providerEqual)
}

func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model ||
		a.Dimensions != b.Dimensions || a.Timeout != b.Timeout {
		return false
	}
	if (a.MaxRetries == nil) != (b.MaxRetries == nil) || (a.MaxRetries != nil && *a.MaxRetries != *b.MaxRetries) {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
