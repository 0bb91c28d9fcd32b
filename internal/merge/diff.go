package merge

// ChangedFields lists, in sorted order, the fields whose value in current
// differs from snapshot. A field missing from current is not a change: the
// protocol has no way to send a removal of a whole field.
func ChangedFields(snapshot, current Document) []string {
	changed := []string{}
	for _, field := range sortedKeys(current) {
		value := current[field]
		if value == nil {
			continue
		}
		previous, ok := snapshot[field]
		if !ok || !Equal(previous, value) {
			changed = append(changed, field)
		}
	}
	return changed
}

// Diff builds the outgoing save payload: every changed field with its full
// current value, deep-copied. Object values are complete replacements, so a
// sub-key deleted locally is conveyed by its absence.
func Diff(snapshot, current Document) Document {
	out := Document{}
	for _, field := range ChangedFields(snapshot, current) {
		out[field] = Clone(current[field])
	}
	return out
}
