package client

import (
	"sort"
	"sync"

	"plansync/internal/app"
	"plansync/internal/broadcast"
	"plansync/internal/merge"
)

// Session is one editor's view of a vertical: the last document the server
// confirmed, the load marker that goes with it, local edits and the newest
// server state seen through broadcasts.
type Session struct {
	mu       sync.Mutex
	vertical string
	clientID string

	snapshot merge.Document
	loadedAt int64

	edits    merge.Document
	captured map[string]any
	latest   merge.Document
	inflight merge.Document
}

func NewSession(vertical, clientID string, load app.LoadResponse) *Session {
	s := &Session{vertical: vertical, clientID: clientID}
	s.reset(load.Document, load.LoadedAt)
	return s
}

// Reload discards every local edit and adopts a fresh load.
func (s *Session) Reload(load app.LoadResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(load.Document, load.LoadedAt)
}

func (s *Session) reset(doc merge.Document, loadedAt int64) {
	s.snapshot = withoutMarker(doc)
	s.loadedAt = loadedAt
	s.edits = merge.Document{}
	s.captured = map[string]any{}
	s.latest = nil
	s.inflight = nil
}

func (s *Session) Vertical() string { return s.vertical }

func (s *Session) LoadedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

// Edit replaces the local value of field. The server value at the time of
// the first edit becomes the baseline for the client-side pre-merge.
func (s *Session) Edit(field string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, editing := s.edits[field]; !editing {
		s.captured[field] = merge.Clone(s.snapshot[field])
	}
	s.edits[field] = merge.Clone(value)
}

// Observe records a newer server document, typically from a broadcast.
// Fields that are not being edited follow it immediately.
func (s *Session) Observe(doc merge.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := withoutMarker(doc)
	if s.latest == nil {
		s.latest = latest
		return
	}
	for key, value := range latest {
		s.latest[key] = value
	}
}

// ObserveEvent feeds a broadcast into Observe. Events for other verticals and
// echoes of this client's own saves are ignored.
func (s *Session) ObserveEvent(event broadcast.Event) bool {
	if event.Vertical != s.vertical || event.Type != broadcast.TypeDocumentUpdated {
		return false
	}
	if s.clientID != "" && event.Origin == s.clientID {
		return false
	}
	s.Observe(event.Document)
	return true
}

// Pending lists edited fields whose value differs from the confirmed
// snapshot.
func (s *Session) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending()
}

func (s *Session) pending() []string {
	current := s.snapshot.Clone()
	for key, value := range s.edits {
		current[key] = value
	}
	return merge.ChangedFields(s.snapshot, current)
}

// Outgoing builds the next save: every pending field, pre-merged against the
// newest observed server value, plus the load marker to send with it. The
// returned fields are remembered until Apply.
func (s *Session) Outgoing() (merge.Document, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := merge.Document{}
	for _, field := range s.pending() {
		local := s.edits[field]
		if s.latest != nil {
			if latest, ok := s.latest[field]; ok {
				local = merge.LocalMerge(local, latest, s.captured[field]).Merged
			}
		}
		fields[field] = merge.Clone(local)
	}
	s.inflight = fields.Clone()
	return fields, s.loadedAt
}

// Apply adopts a save response as the new confirmed state. Edits that were
// sent are settled, whatever the server decided for them; edits made after
// Outgoing stay pending.
func (s *Session) Apply(response app.SaveResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = withoutMarker(response.Document)
	s.loadedAt = response.LoadedAt
	for field, sent := range s.inflight {
		if edit, ok := s.edits[field]; ok && s.matchesSent(field, edit, sent) {
			delete(s.edits, field)
			delete(s.captured, field)
		}
	}
	for field := range s.edits {
		s.captured[field] = merge.Clone(s.snapshot[field])
	}
	s.inflight = nil
	s.latest = nil
}

// matchesSent treats an edit as settled when it is what went out, or what
// went out before the pre-merge folded server keys into it.
func (s *Session) matchesSent(field string, edit, sent any) bool {
	if merge.Equal(edit, sent) {
		return true
	}
	if s.latest == nil {
		return false
	}
	latest, ok := s.latest[field]
	if !ok {
		return false
	}
	return merge.Equal(merge.LocalMerge(edit, latest, s.captured[field]).Merged, sent)
}

// Document is what the editor should display: the newest server state with
// local edits on top.
func (s *Session) Document() merge.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snapshot.Clone()
	for key, value := range s.latest {
		out[key] = merge.Clone(value)
	}
	for key, value := range s.edits {
		out[key] = merge.Clone(value)
	}
	return out
}

// Edited lists the fields with local edits, sorted.
func (s *Session) Edited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := make([]string, 0, len(s.edits))
	for field := range s.edits {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func withoutMarker(doc merge.Document) merge.Document {
	out := doc.Clone()
	delete(out, "loadedAt")
	return out
}
