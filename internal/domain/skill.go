package domain

// SkillDescriptor is a named, independently-scoped sub-agent definition.
// Descriptors are immutable for the lifetime of a delegation: a registry
// refresh swaps the catalog but never mutates a handed-out descriptor.
type SkillDescriptor struct {
	ID            string
	Name          string
	Description   string
	Instructions  string
	DeclaredTools []string // tool names the expert may use; empty = default safe set
}

// CatalogEntry is the metadata exposed to the orchestrator for routing.
// Full instructions are withheld until delegation time.
type CatalogEntry struct {
	ID          string
	Name        string
	Description string
}
