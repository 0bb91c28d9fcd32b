package schema

import (
	"plansync/internal/merge"
)

// EnsureKeys returns a copy of value with every key in keys present. Missing
// keys get their own deep copy of zero; keys outside the list are kept.
// value is never modified. A nil or non-object value starts from empty.
func EnsureKeys(value any, keys []string, zero any) map[string]any {
	out := map[string]any{}
	if existing, ok := merge.Clone(value).(map[string]any); ok {
		out = existing
	}
	for _, key := range keys {
		if _, ok := out[key]; !ok {
			out[key] = merge.Clone(zero)
		}
	}
	return out
}

// RenameKey moves obj[from] to obj[to] when from is present and to is not.
// A move returns a new map; otherwise obj comes back as is. Running it twice
// is harmless, and live data under to is never overwritten.
func RenameKey(obj map[string]any, from, to string) (map[string]any, bool) {
	value, hasOld := obj[from]
	_, hasNew := obj[to]
	if !hasOld || hasNew {
		return obj, false
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == from {
			continue
		}
		out[k] = v
	}
	out[to] = value
	return out, true
}

// DefaultField returns the canonical shape of one field for vertical v.
// A present value of the wrong shape is returned as a copy, otherwise
// unchanged, so conflicting type changes keep flowing through the merge rules.
func DefaultField(f Field, value any, v Vertical) any {
	if value != nil && KindOf(f) == KindObject && !merge.IsObject(value) {
		return merge.Clone(value)
	}

	switch f {
	case FieldCapacity:
		return EnsureKeys(value, v.Disciplines, 0.0)
	case FieldTracks, FieldTrackBlockOrder:
		return EnsureKeys(renameTracks(value, v), v.Tracks, []any{})
	case FieldTrackCapacity:
		return EnsureKeys(renameTracks(value, v), v.Tracks, EnsureKeys(nil, v.Disciplines, 0.0))
	case FieldTrackSubLaneCounts:
		return EnsureKeys(renameTracks(value, v), v.Tracks, 1.0)
	case FieldSizeMap:
		return EnsureKeys(value, v.Sizes, 0.0)
	case FieldTimelineConfig:
		out := EnsureKeys(value, nil, nil)
		defaults := map[string]any{
			"startDate":   v.Timeline.StartDate,
			"endDate":     v.Timeline.EndDate,
			"sprintWeeks": v.Timeline.SprintWeeks,
		}
		for key, def := range defaults {
			if _, ok := out[key]; !ok {
				out[key] = def
			}
		}
		return out
	case FieldSplits, FieldTimelineOverrides, FieldTimelineLaneAssignments:
		return EnsureKeys(value, nil, nil)
	case FieldMilestones:
		if value == nil {
			return []any{}
		}
		return merge.Clone(value)
	case FieldBuffer:
		if value == nil {
			return 0.0
		}
		return merge.Clone(value)
	default:
		return merge.Clone(value)
	}
}

func renameTracks(value any, v Vertical) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	for _, rename := range v.Renames {
		obj, _ = RenameKey(obj, rename.From, rename.To)
	}
	return obj
}

// Normalize returns doc with every known field in canonical shape for v.
// Unknown fields are passed through. doc is never modified.
func Normalize(doc merge.Document, v Vertical) merge.Document {
	out := make(merge.Document, len(doc)+len(orderedFields))
	for key, value := range doc {
		if !IsKnown(key) {
			out[key] = merge.Clone(value)
		}
	}
	for _, f := range orderedFields {
		out[string(f)] = DefaultField(f, doc[string(f)], v)
	}
	return out
}

// Known keeps only the known fields of a payload, dropping nil values.
func Known(doc merge.Document) merge.Document {
	out := merge.Document{}
	for key, value := range doc {
		if value == nil || !IsKnown(key) {
			continue
		}
		out[key] = value
	}
	return out
}
