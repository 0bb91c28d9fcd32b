package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plansync/internal/merge"
)

// DocTypePlan is the document type holding a vertical's planning fields.
const DocTypePlan = "plan"

var (
	// ErrUnavailable marks failures of the backing store itself. Callers must
	// not reconcile or report success when they see it.
	ErrUnavailable = errors.New("document store unavailable")
	// ErrContention is returned when an optimistic update kept losing races.
	ErrContention = errors.New("document store contention")
)

// Record is one stored document with its field timestamps.
type Record struct {
	Vertical   string
	DocType    string
	Document   merge.Document
	Timestamps merge.FieldTimestamps
	UpdatedAt  time.Time
}

// UpdateFunc computes the next state from the current one. Returning
// write=false skips the write. It only runs after a successful read and may
// run more than once on backends that retry optimistic transactions.
type UpdateFunc func(doc merge.Document, ts merge.FieldTimestamps) (next merge.Document, nextTs merge.FieldTimestamps, write bool, err error)

// DocumentStore is the key-value store of vertical documents.
type DocumentStore interface {
	Load(ctx context.Context, vertical string) (merge.Document, merge.FieldTimestamps, error)
	Store(ctx context.Context, vertical string, doc merge.Document, ts merge.FieldTimestamps) error
	Update(ctx context.Context, vertical string, fn UpdateFunc) error
	Ping(ctx context.Context) error
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, action, err)
}

func encodeState(doc merge.Document, ts merge.FieldTimestamps) ([]byte, []byte, error) {
	if doc == nil {
		doc = merge.Document{}
	}
	if ts == nil {
		ts = merge.FieldTimestamps{}
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal document: %w", err)
	}
	tsJSON, err := json.Marshal(ts)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal field timestamps: %w", err)
	}
	return docJSON, tsJSON, nil
}

func decodeState(docJSON, tsJSON []byte) (merge.Document, merge.FieldTimestamps, error) {
	doc := merge.Document{}
	ts := merge.FieldTimestamps{}
	if len(docJSON) > 0 {
		if err := json.Unmarshal(docJSON, &doc); err != nil {
			return nil, nil, fmt.Errorf("decode document: %w", err)
		}
	}
	if len(tsJSON) > 0 {
		if err := json.Unmarshal(tsJSON, &ts); err != nil {
			return nil, nil, fmt.Errorf("decode field timestamps: %w", err)
		}
	}
	if doc == nil {
		doc = merge.Document{}
	}
	if ts == nil {
		ts = merge.FieldTimestamps{}
	}
	return doc, ts, nil
}
