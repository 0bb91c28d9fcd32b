package merge

// LocalMergeResult is what LocalMerge produced for one field. Only Merged is
// sent to the server; the key lists are for observability.
type LocalMergeResult struct {
	Merged       any      `json:"merged"`
	OverlaidKeys []string `json:"overlaidKeys,omitempty"`
	DeletedKeys  []string `json:"deletedKeys,omitempty"`
}

// LocalMerge folds server state observed after the user started editing into
// the user's pending value for one field, before it is sent.
//
// captured is the server value when editing began, latest the newest server
// value seen since, local the user's current value. For object values:
//   - sub-keys new on the server since captured are taken from latest
//   - sub-keys the user left equal to captured are refreshed from latest
//   - sub-keys the user changed or removed stay as the user has them
//
// Arrays and scalars cannot be merged: local is returned unchanged, as it is
// when latest is missing.
func LocalMerge(local, latest, captured any) LocalMergeResult {
	localObj, ok := asObject(local)
	if !ok || latest == nil {
		return LocalMergeResult{Merged: local}
	}
	latestObj, ok := asObject(latest)
	if !ok {
		return LocalMergeResult{Merged: local}
	}
	capturedObj, _ := asObject(captured)

	merged := make(map[string]any, len(localObj)+len(latestObj))
	for k, v := range localObj {
		merged[k] = Clone(v)
	}

	result := LocalMergeResult{}
	for _, key := range sortedKeys(latestObj) {
		serverValue := latestObj[key]
		baseline, inBaseline := capturedObj[key]
		if !inBaseline {
			merged[key] = Clone(serverValue)
			result.OverlaidKeys = append(result.OverlaidKeys, key)
			continue
		}
		if mine, present := localObj[key]; present && Equal(mine, baseline) {
			merged[key] = Clone(serverValue)
		}
	}
	for _, key := range sortedKeys(capturedObj) {
		if _, present := merged[key]; !present {
			result.DeletedKeys = append(result.DeletedKeys, key)
		}
	}

	result.Merged = merged
	return result
}
