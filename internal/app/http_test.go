package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"plansync/internal/broadcast"
	"plansync/internal/history"
	"plansync/internal/merge"
	"plansync/internal/store"
)

func newTestHTTPServer(svc *Service, hub *broadcast.Hub) http.Handler {
	return NewHTTPServer(svc, hub, "*").Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHTTPServer(newTestService(store.NewMemoryStore(), nil, nil), nil)

	rr, response := doJSON(t, handler, http.MethodGet, "/api/health", nil, nil)
	if rr.Code != http.StatusOK || response["ok"] != true {
		t.Fatalf("health = %d %v", rr.Code, response)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	cases := []struct {
		name   string
		pingFn func(context.Context) error
		status int
		ok     bool
	}{
		{name: "ready", status: http.StatusOK, ok: true},
		{
			name:   "store down",
			pingFn: func(context.Context) error { return errors.New("connection refused") },
			status: http.StatusServiceUnavailable,
			ok:     false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestHTTPServer(newTestService(&fakeStore{pingFn: tc.pingFn}, nil, nil), nil)
			rr, response := doJSON(t, handler, http.MethodGet, "/api/ready", nil, nil)
			if rr.Code != tc.status || response["ok"] != tc.ok {
				t.Fatalf("ready = %d %v", rr.Code, response)
			}
			checks := response["checks"].(map[string]any)
			if _, ok := checks["store"]; !ok {
				t.Fatalf("checks = %v", checks)
			}
		})
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	handler := newTestHTTPServer(newTestService(store.NewMemoryStore(), nil, nil), nil)
	rr, _ := doJSON(t, handler, http.MethodGet, "/api/health", nil, map[string]string{"X-Request-ID": "req-42"})
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q", got)
	}
}

func TestPreflightAndUnknownRoutes(t *testing.T) {
	handler := newTestHTTPServer(newTestService(store.NewMemoryStore(), nil, nil), nil)

	rr, _ := doJSON(t, handler, http.MethodOptions, "/api/verticals/payments", nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS = %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "X-Client-ID") {
		t.Fatalf("allow headers = %q", rr.Header().Get("Access-Control-Allow-Headers"))
	}

	rr, _ = doJSON(t, handler, http.MethodOptions, "/api/anything/else", nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS on unrouted path = %d", rr.Code)
	}

	for _, path := range []string{"/api/nope", "/", "/api/verticals/payments/extra"} {
		rr, response := doJSON(t, handler, http.MethodGet, path, nil, nil)
		if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
			t.Fatalf("GET %s = %d %v", path, rr.Code, response)
		}
	}

	rr, response := doJSON(t, handler, http.MethodPost, "/api/nope", `{}`, nil)
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("POST unknown route = %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodDelete, "/api/verticals/payments", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed || response["code"] != "METHOD_NOT_ALLOWED" {
		t.Fatalf("DELETE = %d %v", rr.Code, response)
	}
}

func TestListAndLoadEndpoints(t *testing.T) {
	handler := newTestHTTPServer(newTestService(store.NewMemoryStore(), nil, nil), nil)

	rr, response := doJSON(t, handler, http.MethodGet, "/api/verticals", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	if items := response["verticals"].([]any); len(items) != 3 {
		t.Fatalf("verticals = %v", items)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/api/verticals/payments", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("load = %d %v", rr.Code, response)
	}
	if _, ok := response["loadedAt"].(float64); !ok {
		t.Fatalf("loadedAt missing: %v", response)
	}
	document := response["document"].(map[string]any)
	if _, ok := document["timelineConfig"]; !ok {
		t.Fatalf("document not normalized: %v", document)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/api/verticals/unknown", nil, nil)
	if rr.Code != http.StatusNotFound || response["code"] != codeVerticalNotFound {
		t.Fatalf("unknown vertical = %d %v", rr.Code, response)
	}
}

func TestSaveEndpoint(t *testing.T) {
	memory := store.NewMemoryStore()
	handler := newTestHTTPServer(newTestService(memory, nil, nil), nil)

	body := map[string]any{
		"capacity": map[string]any{"backend": 5},
		"buffer":   nil,
		"loadedAt": 0,
	}
	rr, response := doJSON(t, handler, http.MethodPost, "/api/verticals/payments", body, map[string]string{"X-Actor": "Avery"})
	if rr.Code != http.StatusOK {
		t.Fatalf("save = %d %v", rr.Code, response)
	}
	accepted := response["accepted"].([]any)
	if len(accepted) != 1 || accepted[0] != "capacity" {
		t.Fatalf("accepted = %v", accepted)
	}
	if rejected := response["rejected"].([]any); len(rejected) != 0 {
		t.Fatalf("rejected = %v", rejected)
	}
	document := response["document"].(map[string]any)
	if document["loadedAt"] != response["loadedAt"] {
		t.Fatalf("document loadedAt = %v, response loadedAt = %v", document["loadedAt"], response["loadedAt"])
	}

	record, _ := memory.Record("payments")
	if _, ok := record.Document["buffer"]; ok {
		t.Fatal("null field was stored")
	}
	if !merge.Equal(record.Document["capacity"], map[string]any{"backend": 5.0}) {
		t.Fatalf("stored capacity = %v", record.Document["capacity"])
	}
}

func TestSaveEndpointRejectsBadPayloads(t *testing.T) {
	handler := newTestHTTPServer(newTestService(store.NewMemoryStore(), nil, nil), nil)
	cases := map[string]any{
		"invalid json":     "{",
		"missing loadedAt": map[string]any{"buffer": 0.1},
		"float loadedAt":   map[string]any{"buffer": 0.1, "loadedAt": 1.5},
		"string loadedAt":  map[string]any{"buffer": 0.1, "loadedAt": "yesterday"},
		"no known fields":  map[string]any{"bogus": 1, "loadedAt": 10},
		"null body":        "null",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr, response := doJSON(t, handler, http.MethodPost, "/api/verticals/payments", body, nil)
			if rr.Code != http.StatusBadRequest || response["code"] != codeInvalidRequest {
				t.Fatalf("status = %d %v", rr.Code, response)
			}
		})
	}
}

func TestSaveEndpointReportsStaleRejection(t *testing.T) {
	memory := store.NewMemoryStore()
	if err := memory.Store(context.Background(), "payments", merge.Document{"buffer": 0.3}, merge.FieldTimestamps{"buffer": 5000}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler := newTestHTTPServer(newTestService(memory, nil, nil), nil)

	rr, response := doJSON(t, handler, http.MethodPost, "/api/verticals/payments", map[string]any{"buffer": 0.9, "loadedAt": 4000}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("save = %d %v", rr.Code, response)
	}
	rejected := response["rejected"].([]any)
	if len(rejected) != 1 || rejected[0] != "buffer" {
		t.Fatalf("rejected = %v", rejected)
	}
	if response["document"].(map[string]any)["buffer"] != 0.3 {
		t.Fatalf("document buffer = %v", response["document"])
	}
}

func TestSaveEndpointStoreUnavailable(t *testing.T) {
	fs := &fakeStore{loadFn: func(context.Context, string) (merge.Document, merge.FieldTimestamps, error) {
		return nil, nil, store.ErrUnavailable
	}}
	handler := newTestHTTPServer(newTestService(fs, nil, nil), nil)
	rr, response := doJSON(t, handler, http.MethodPost, "/api/verticals/payments", map[string]any{"buffer": 0.9, "loadedAt": 1}, nil)
	if rr.Code != http.StatusServiceUnavailable || response["code"] != codeStoreUnavailable {
		t.Fatalf("status = %d %v", rr.Code, response)
	}
}

func TestHistoryAndRestoreEndpoints(t *testing.T) {
	svc := newTestService(store.NewMemoryStore(), history.New(t.TempDir()), nil)
	handler := newTestHTTPServer(svc, nil)

	rr, response := doJSON(t, handler, http.MethodPost, "/api/verticals/identity", map[string]any{"buffer": 0.1, "loadedAt": 0}, map[string]string{"X-Actor": "Avery"})
	if rr.Code != http.StatusOK {
		t.Fatalf("save 1 = %d %v", rr.Code, response)
	}
	first := response["snapshot"].(map[string]any)["hash"].(string)

	rr, response = doJSON(t, handler, http.MethodPost, "/api/verticals/identity", map[string]any{"buffer": 0.7, "loadedAt": 0}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("save 2 = %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/api/verticals/identity/history?limit=10", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history = %d %v", rr.Code, response)
	}
	items := response["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("history items = %v", items)
	}
	if items[1].(map[string]any)["author"] != "Avery" {
		t.Fatalf("oldest snapshot = %v", items[1])
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/api/verticals/identity/history?limit=abc", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/api/verticals/identity/restore", map[string]any{"ref": first[:7]}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("restore = %d %v", rr.Code, response)
	}
	if response["document"].(map[string]any)["buffer"] != 0.1 {
		t.Fatalf("restored document = %v", response["document"])
	}
	if response["restoredFrom"].(map[string]any)["hash"] != first {
		t.Fatalf("restoredFrom = %v", response["restoredFrom"])
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/api/verticals/identity/restore", map[string]any{"ref": "0000000"}, nil)
	if rr.Code != http.StatusNotFound || response["code"] != codeSnapshotNotFound {
		t.Fatalf("unknown ref = %d %v", rr.Code, response)
	}
}

func TestSubscribeReceivesSaves(t *testing.T) {
	hub := broadcast.NewHub("*")
	svc := newTestService(store.NewMemoryStore(), nil, hub)
	srv := httptest.NewServer(newTestHTTPServer(svc, hub))
	defer srv.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/verticals/payments/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount("payments") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/verticals/payments", strings.NewReader(`{"sizeMap":{"S":2},"loadedAt":0}`))
	req.Header.Set("X-Client-ID", "client-b")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event broadcast.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Vertical != "payments" || event.Origin != "client-b" || len(event.Fields) != 1 || event.Fields[0] != "sizeMap" {
		t.Fatalf("event = %+v", event)
	}

	rr, response := doJSON(t, newTestHTTPServer(svc, hub), http.MethodGet, "/api/verticals/unknown/ws", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown vertical ws = %d %v", rr.Code, response)
	}
}
