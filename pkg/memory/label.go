package memory

import (
	"fmt"
	"strings"
)

// LabelKind is the record type a vector index label points at.
type LabelKind string

const (
	LabelCharacter LabelKind = "character"
	LabelFact      LabelKind = "fact"
)

// Label returns the vector index label for a record, e.g. "fact:01J...".
func Label(kind LabelKind, id string) string {
	return string(kind) + ":" + id
}

// ParseLabel splits a label produced by [Label].
func ParseLabel(label string) (LabelKind, string, error) {
	kind, id, ok := strings.Cut(label, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("memory: malformed label %q", label)
	}
	switch k := LabelKind(kind); k {
	case LabelCharacter, LabelFact:
		return k, id, nil
	default:
		return "", "", fmt.Errorf("memory: unknown label kind %q", kind)
	}
}
