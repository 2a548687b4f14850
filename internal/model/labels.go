package model

import "tumorclf/internal/clferr"

// KnownLabels is the closed set of class names in the MRI dataset. Training
// order is derived from the corpus directories, not from this slice.
var KnownLabels = []string{"no_tumor", "pituitary_tumor", "glioma_tumor", "meningioma_tumor"}

// IsKnownLabel reports whether name is one of KnownLabels.
func IsKnownLabel(name string) bool {
	for _, l := range KnownLabels {
		if l == name {
			return true
		}
	}
	return false
}

// ValidateLabels checks an index->label mapping against the head width.
func ValidateLabels(labels []string, width int) error {
	if len(labels) == 0 {
		return clferr.ErrLabelOrdering("label mapping is empty")
	}
	if width > 0 && len(labels) != width {
		return clferr.ErrLabelOrdering("label mapping has %d entries, head produces %d", len(labels), width)
	}
	seen := make(map[string]int, len(labels))
	for i, l := range labels {
		if !IsKnownLabel(l) {
			return clferr.ErrLabelOrdering("label %d (%q) is not a known class", i, l)
		}
		if j, dup := seen[l]; dup {
			return clferr.ErrLabelOrdering("label %q appears at %d and %d", l, j, i)
		}
		seen[l] = i
	}
	return nil
}
