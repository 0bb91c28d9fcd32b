package client

import (
	"context"
	"reflect"
	"testing"

	"plansync/internal/app"
	"plansync/internal/broadcast"
	"plansync/internal/merge"
)

func sizeMap(xs, s, m float64) map[string]any {
	return map[string]any{"XS": xs, "S": s, "M": m}
}

func loaded(doc merge.Document, loadedAt int64) app.LoadResponse {
	withMarker := doc.Clone()
	withMarker["loadedAt"] = loadedAt
	return app.LoadResponse{Vertical: "payments", Document: withMarker, LoadedAt: loadedAt}
}

func TestSessionPendingTracksRealChanges(t *testing.T) {
	s := NewSession("payments", "me", loaded(merge.Document{"sizeMap": sizeMap(1, 2, 3), "buffer": 0.1}, 100))

	if got := s.Pending(); len(got) != 0 {
		t.Fatalf("fresh session pending = %v", got)
	}
	if _, ok := s.Document()["loadedAt"]; ok {
		t.Fatal("loadedAt leaked into the document")
	}

	s.Edit("buffer", 0.1)
	if got := s.Pending(); len(got) != 0 {
		t.Fatalf("unchanged edit pending = %v", got)
	}

	s.Edit("buffer", 0.3)
	s.Edit("sizeMap", sizeMap(1, 5, 3))
	if got := s.Pending(); !reflect.DeepEqual(got, []string{"buffer", "sizeMap"}) {
		t.Fatalf("pending = %v", got)
	}

	fields, loadedAt := s.Outgoing()
	if loadedAt != 100 {
		t.Fatalf("loadedAt = %d", loadedAt)
	}
	if fields["buffer"] != 0.3 || !merge.Equal(fields["sizeMap"], sizeMap(1, 5, 3)) {
		t.Fatalf("outgoing = %v", fields)
	}
}

func TestSessionOutgoingFoldsObservedServerKeys(t *testing.T) {
	s := NewSession("payments", "me", loaded(merge.Document{"sizeMap": sizeMap(0, 0, 0)}, 100))
	s.Edit("sizeMap", sizeMap(0, 3, 0))

	observed := merge.Document{"sizeMap": map[string]any{"XS": 1.0, "S": 0.0, "M": 0.0, "XL": 8.0}, "loadedAt": int64(200)}
	if !s.ObserveEvent(broadcast.Event{Type: broadcast.TypeDocumentUpdated, Vertical: "payments", Origin: "other", Document: observed}) {
		t.Fatal("event from another editor was ignored")
	}

	fields, loadedAt := s.Outgoing()
	want := map[string]any{"XS": 1.0, "S": 3.0, "M": 0.0, "XL": 8.0}
	if !merge.Equal(fields["sizeMap"], want) {
		t.Fatalf("outgoing sizeMap = %v, want %v", fields["sizeMap"], want)
	}
	if loadedAt != 100 {
		t.Fatalf("broadcast moved loadedAt to %d", loadedAt)
	}

	display := s.Document()
	if !merge.Equal(display["sizeMap"], sizeMap(0, 3, 0)) {
		t.Fatalf("display shows %v, want local edit", display["sizeMap"])
	}
}

func TestSessionObserveEventFilters(t *testing.T) {
	s := NewSession("payments", "me", loaded(merge.Document{"buffer": 0.1}, 100))

	tests := []struct {
		name  string
		event broadcast.Event
		want  bool
	}{
		{name: "own echo", event: broadcast.Event{Type: broadcast.TypeDocumentUpdated, Vertical: "payments", Origin: "me"}},
		{name: "other vertical", event: broadcast.Event{Type: broadcast.TypeDocumentUpdated, Vertical: "identity", Origin: "other"}},
		{name: "unknown type", event: broadcast.Event{Type: "presence", Vertical: "payments", Origin: "other"}},
		{name: "other editor", event: broadcast.Event{Type: broadcast.TypeDocumentUpdated, Vertical: "payments", Origin: "other", Document: merge.Document{"buffer": 0.9}}, want: true},
	}
	for _, tt := range tests {
		if got := s.ObserveEvent(tt.event); got != tt.want {
			t.Fatalf("%s: observed = %v, want %v", tt.name, got, tt.want)
		}
	}
	if s.Document()["buffer"] != 0.9 {
		t.Fatalf("unedited field did not follow the broadcast: %v", s.Document())
	}
}

func TestSessionApplySettlesSentEdits(t *testing.T) {
	s := NewSession("payments", "me", loaded(merge.Document{"sizeMap": sizeMap(0, 0, 0), "buffer": 0.1}, 100))
	s.Edit("sizeMap", sizeMap(0, 3, 0))
	s.Observe(merge.Document{"sizeMap": sizeMap(2, 0, 0)})

	fields, _ := s.Outgoing()
	s.Edit("buffer", 0.5)

	s.Apply(app.SaveResponse{
		Vertical: "payments",
		Document: merge.Document{"sizeMap": fields["sizeMap"], "buffer": 0.1, "loadedAt": int64(300)},
		LoadedAt: 300,
		Accepted: []string{"sizeMap"},
		Changed:  []string{"sizeMap"},
	})

	if s.LoadedAt() != 300 {
		t.Fatalf("loadedAt = %d", s.LoadedAt())
	}
	if got := s.Edited(); !reflect.DeepEqual(got, []string{"buffer"}) {
		t.Fatalf("edited after apply = %v", got)
	}
	if got := s.Pending(); !reflect.DeepEqual(got, []string{"buffer"}) {
		t.Fatalf("pending after apply = %v", got)
	}
	doc := s.Document()
	if !merge.Equal(doc["sizeMap"], sizeMap(2, 3, 0)) || doc["buffer"] != 0.5 {
		t.Fatalf("document after apply = %v", doc)
	}

	s.Reload(loaded(merge.Document{"buffer": 0.7}, 400))
	if len(s.Edited()) != 0 || s.Document()["buffer"] != 0.7 || s.LoadedAt() != 400 {
		t.Fatalf("reload kept state: %v", s.Document())
	}
}

func TestSessionsConvergeThroughServer(t *testing.T) {
	srv := newTestServer(t, false)
	ctx := context.Background()
	alice := New(srv.URL, WithClientID("alice"))
	bob := New(srv.URL, WithClientID("bob"))

	aliceLoad, err := alice.Load(ctx, "payments")
	if err != nil {
		t.Fatalf("alice load: %v", err)
	}
	bobLoad, err := bob.Load(ctx, "payments")
	if err != nil {
		t.Fatalf("bob load: %v", err)
	}
	aliceSession := NewSession("payments", alice.ClientID(), aliceLoad)
	bobSession := NewSession("payments", bob.ClientID(), bobLoad)

	bobSizes := merge.Clone(bobLoad.Document["sizeMap"]).(map[string]any)
	bobSizes["XS"] = 1.0
	bobSession.Edit("sizeMap", bobSizes)
	fields, loadedAt := bobSession.Outgoing()
	bobSaved, err := bob.Save(ctx, "payments", fields, loadedAt)
	if err != nil {
		t.Fatalf("bob save: %v", err)
	}
	bobSession.Apply(bobSaved)

	aliceSizes := merge.Clone(aliceLoad.Document["sizeMap"]).(map[string]any)
	aliceSizes["S"] = 3.0
	aliceSession.Edit("sizeMap", aliceSizes)
	aliceSession.ObserveEvent(broadcast.NewDocumentUpdated("payments", bobSaved.Changed, bobSaved.Document, bobSaved.LoadedAt, "bob", ""))

	fields, loadedAt = aliceSession.Outgoing()
	aliceSaved, err := alice.Save(ctx, "payments", fields, loadedAt)
	if err != nil {
		t.Fatalf("alice save: %v", err)
	}
	if len(aliceSaved.Accepted) != 1 || aliceSaved.Accepted[0] != "sizeMap" {
		t.Fatalf("alice save = %+v", aliceSaved)
	}
	aliceSession.Apply(aliceSaved)

	final := aliceSession.Document()["sizeMap"].(map[string]any)
	if final["XS"] != 1.0 || final["S"] != 3.0 {
		t.Fatalf("merged sizeMap = %v", final)
	}
	if len(aliceSession.Pending()) != 0 {
		t.Fatalf("alice still pending %v", aliceSession.Pending())
	}

	record, _ := srv.Store.Record("payments")
	stored := record.Document["sizeMap"].(map[string]any)
	if stored["XS"] != 1.0 || stored["S"] != 3.0 {
		t.Fatalf("stored sizeMap = %v", stored)
	}
}
