package model

// ToolKind is the closed set of tools a mode can bind to.
type ToolKind string

const (
	ToolWrite      ToolKind = "write"
	ToolCritic     ToolKind = "critic"
	ToolEdit       ToolKind = "edit"
	ToolQuality    ToolKind = "quality"
	ToolUniqueness ToolKind = "uniqueness"
)

// ToolCategory groups tools by how the executor treats their output.
type ToolCategory string

const (
	CategoryGeneration ToolCategory = "generation"
	CategoryReview     ToolCategory = "review"
	CategoryQuality    ToolCategory = "quality"
)

// ToolKinds lists every known tool kind.
var ToolKinds = []ToolKind{ToolWrite, ToolCritic, ToolEdit, ToolQuality, ToolUniqueness}

// Valid reports whether k is a known tool kind.
func (k ToolKind) Valid() bool {
	for _, known := range ToolKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Category returns the executor category of the tool kind.
func (k ToolKind) Category() ToolCategory {
	switch k {
	case ToolQuality, ToolUniqueness:
		return CategoryQuality
	case ToolCritic:
		return CategoryReview
	default:
		return CategoryGeneration
	}
}
