// Package broadcast fans accepted saves out to every collaborator watching a
// vertical, locally over WebSockets and across API instances through Redis.
package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"

	"plansync/internal/merge"
)

const TypeDocumentUpdated = "document.updated"

// Event tells subscribers that a vertical's fields changed.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Vertical   string         `json:"vertical"`
	Fields     []string       `json:"fields"`
	Document   merge.Document `json:"document"`
	LoadedAt   int64          `json:"loadedAt"`
	Origin     string         `json:"origin,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewDocumentUpdated builds the event sent after a save changed fields.
// Origin is the client id of the writer so it can skip its own echo.
func NewDocumentUpdated(vertical string, fields []string, doc merge.Document, loadedAt int64, origin, actor string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeDocumentUpdated,
		Vertical:   vertical,
		Fields:     append([]string(nil), fields...),
		Document:   doc,
		LoadedAt:   loadedAt,
		Origin:     origin,
		Actor:      actor,
		OccurredAt: time.UnixMilli(loadedAt).UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
