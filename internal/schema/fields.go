// Package schema describes the closed set of vertical document fields and
// normalizes partial or legacy documents into their canonical shape.
package schema

// Field is one of the known top-level document fields. The set is shared with
// clients; adding a field means updating fieldKinds and DefaultField.
type Field string

const (
	FieldCapacity                Field = "capacity"
	FieldTracks                  Field = "tracks"
	FieldTrackCapacity           Field = "trackCapacity"
	FieldSplits                  Field = "splits"
	FieldTimelineConfig          Field = "timelineConfig"
	FieldMilestones              Field = "milestones"
	FieldTimelineOverrides       Field = "timelineOverrides"
	FieldSizeMap                 Field = "sizeMap"
	FieldTrackSubLaneCounts      Field = "trackSubLaneCounts"
	FieldTimelineLaneAssignments Field = "timelineLaneAssignments"
	FieldTrackBlockOrder         Field = "trackBlockOrder"
	FieldBuffer                  Field = "buffer"
)

// Kind is the expected shape of a field's value.
type Kind int

const (
	KindObject Kind = iota
	KindArray
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindScalar:
		return "scalar"
	default:
		return "unknown"
	}
}

var orderedFields = []Field{
	FieldCapacity,
	FieldTracks,
	FieldTrackCapacity,
	FieldSplits,
	FieldTimelineConfig,
	FieldMilestones,
	FieldTimelineOverrides,
	FieldSizeMap,
	FieldTrackSubLaneCounts,
	FieldTimelineLaneAssignments,
	FieldTrackBlockOrder,
	FieldBuffer,
}

var fieldKinds = map[Field]Kind{
	FieldCapacity:                KindObject,
	FieldTracks:                  KindObject,
	FieldTrackCapacity:           KindObject,
	FieldSplits:                  KindObject,
	FieldTimelineConfig:          KindObject,
	FieldMilestones:              KindArray,
	FieldTimelineOverrides:       KindObject,
	FieldSizeMap:                 KindObject,
	FieldTrackSubLaneCounts:      KindObject,
	FieldTimelineLaneAssignments: KindObject,
	FieldTrackBlockOrder:         KindObject,
	FieldBuffer:                  KindScalar,
}

// trackKeyed fields carry one entry per track and take part in track renames.
var trackKeyed = map[Field]bool{
	FieldTracks:             true,
	FieldTrackCapacity:      true,
	FieldTrackSubLaneCounts: true,
	FieldTrackBlockOrder:    true,
}

// Fields returns the known fields in canonical order.
func Fields() []Field {
	return append([]Field(nil), orderedFields...)
}

func IsKnown(name string) bool {
	_, ok := fieldKinds[Field(name)]
	return ok
}

// KindOf returns the expected kind of a known field. Unknown fields are
// reported as scalars, which the merge engine treats as opaque.
func KindOf(f Field) Kind {
	kind, ok := fieldKinds[f]
	if !ok {
		return KindScalar
	}
	return kind
}

// Mergeable reports whether conflicting edits to f can be merged by sub-key.
func Mergeable(f Field) bool {
	return KindOf(f) == KindObject
}
