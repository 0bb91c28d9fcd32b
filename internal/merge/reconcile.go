package merge

// ForceOverwrite as a load marker bypasses every staleness check. Restore,
// promote and undo flows send it so they win unconditionally.
const ForceOverwrite int64 = 0

// FieldDetail annotates a field that went through sub-key merge.
type FieldDetail struct {
	Changed []string `json:"changed,omitempty"`
	Added   []string `json:"added,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

func (d FieldDetail) empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Deleted) == 0
}

// Result is the outcome of one Reconcile call.
type Result struct {
	Document   Document
	Timestamps FieldTimestamps
	// Accepted lists fields whose client value was taken, either directly or
	// through sub-key merge. Rejected lists fields where the server won.
	Accepted []string
	Rejected []string
	// Changed is the subset of Accepted whose stored value actually moved.
	Changed []string
	Details map[string]FieldDetail
}

// HasChanges reports whether the document needs to be persisted.
func (r Result) HasChanges() bool {
	return len(r.Changed) > 0
}

// Reconcile folds a client's partial update into the authoritative document.
//
// client carries only the fields the client wants to change, each with its
// complete local value: an object value replaces the stored object, so any
// sub-key the client leaves out is deleted. Nil values are skipped.
//
// A field is stale for the client when its timestamp is after loadedAt. Fresh
// fields (timestamp at or before loadedAt, or loadedAt == ForceOverwrite) take
// the client value. Stale object fields are merged by sub-key; stale arrays,
// scalars and shape mismatches are rejected and keep the server value.
//
// Timestamps move to now only when a value actually changes. Neither server,
// ts nor client is modified.
func Reconcile(server Document, ts FieldTimestamps, client Document, loadedAt, now int64) Result {
	result := Result{
		Document:   server.Clone(),
		Timestamps: ts.Clone(),
		Accepted:   []string{},
		Rejected:   []string{},
		Changed:    []string{},
		Details:    map[string]FieldDetail{},
	}

	for _, field := range sortedKeys(client) {
		proposed := client[field]
		if proposed == nil {
			continue
		}
		current, exists := server[field]
		lastModified := ts[field]

		if loadedAt == ForceOverwrite || lastModified <= loadedAt {
			if !exists || !Equal(proposed, current) {
				result.Document[field] = Clone(proposed)
				result.Timestamps[field] = now
				result.Changed = append(result.Changed, field)
			}
			result.Accepted = append(result.Accepted, field)
			continue
		}

		clientObj, clientIsObj := asObject(proposed)
		serverObj, serverIsObj := asObject(current)
		if !clientIsObj || !serverIsObj {
			result.Rejected = append(result.Rejected, field)
			continue
		}

		merged, detail, changed := MergeSubKeys(clientObj, serverObj)
		if !changed {
			continue
		}
		result.Document[field] = merged
		result.Timestamps[field] = now
		result.Accepted = append(result.Accepted, field)
		result.Changed = append(result.Changed, field)
		result.Details[field] = detail
	}

	return result
}

// MergeSubKeys resolves a conflicting object field. client is the client's
// full replacement value: keys it includes win, keys it omits are deleted.
// The returned map is a deep copy and shares nothing with either input.
func MergeSubKeys(client, server map[string]any) (map[string]any, FieldDetail, bool) {
	merged := make(map[string]any, len(client))
	detail := FieldDetail{}

	for _, key := range sortedKeys(client) {
		value := client[key]
		merged[key] = Clone(value)
		previous, present := server[key]
		switch {
		case !present:
			detail.Added = append(detail.Added, key)
		case !Equal(value, previous):
			detail.Changed = append(detail.Changed, key)
		}
	}
	for _, key := range sortedKeys(server) {
		if _, kept := client[key]; !kept {
			detail.Deleted = append(detail.Deleted, key)
		}
	}

	return merged, detail, !detail.empty()
}
