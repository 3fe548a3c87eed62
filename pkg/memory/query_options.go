package memory

// CharacterFilter selects characters. Zero fields are ignored.
type CharacterFilter struct {
	// IDs restricts the result to these character IDs.
	IDs []string

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// FactFilter selects facts. Non-empty fields are applied as AND conditions.
type FactFilter struct {
	// Entities restricts the result to facts about these entities.
	Entities []string

	// IDs restricts the result to these fact IDs.
	IDs []string

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// RelationshipFilter selects edges touching any of EntityIDs, in either
// direction.
type RelationshipFilter struct {
	EntityIDs []string

	// RelTypes restricts the result to these edge types when non-empty.
	RelTypes []string

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// IsEmpty reports whether f would select nothing. Backends return an empty
// result without querying for empty filters.
func (f RelationshipFilter) IsEmpty() bool { return len(f.EntityIDs) == 0 }
