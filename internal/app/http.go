package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"plansync/internal/broadcast"
	"plansync/internal/merge"
)

const (
	headerRequestID = "X-Request-ID"
	headerClientID  = "X-Client-ID"
	headerActor     = "X-Actor"

	maxBodyBytes = 1 << 20
)

type HTTPServer struct {
	service    *Service
	hub        *broadcast.Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *broadcast.Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/verticals", s.handleListVerticals).Methods(http.MethodGet)
	r.HandleFunc("/api/verticals/{vertical}", s.handleLoad).Methods(http.MethodGet)
	r.HandleFunc("/api/verticals/{vertical}", s.handleSave).Methods(http.MethodPost)
	r.HandleFunc("/api/verticals/{vertical}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/verticals/{vertical}/restore", s.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/api/verticals/{vertical}/ws", s.handleSubscribe).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListVerticals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"verticals": s.service.ListVerticals()})
}

func (s *HTTPServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	response, err := s.service.LoadDocument(r.Context(), mux.Vars(r)["vertical"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	input, err := saveInputFromBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	input.Actor = strings.TrimSpace(r.Header.Get(headerActor))
	input.ClientID = strings.TrimSpace(r.Header.Get(headerClientID))

	response, err := s.service.SaveDocument(r.Context(), mux.Vars(r)["vertical"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.History(r.Context(), mux.Vars(r)["vertical"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref string `json:"ref"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	response, err := s.service.Restore(r.Context(), mux.Vars(r)["vertical"], body.Ref, strings.TrimSpace(r.Header.Get(headerActor)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	vertical := mux.Vars(r)["vertical"]
	if _, ok := s.service.registry.Lookup(vertical); !ok {
		s.fail(w, r, verticalNotFound(vertical))
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "BROADCAST_DISABLED", "Live updates are not enabled", nil)
		return
	}
	if err := s.hub.ServeWS(w, r, vertical); err != nil {
		// The upgrader has already replied to the client.
		log.Printf("broadcast: %v", err)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request %s: %s %s failed: %v", RequestID(r.Context()), r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

// saveInputFromBody splits a flat save payload into loadedAt and field
// values. JSON null counts as absent.
func saveInputFromBody(body map[string]any) (SaveInput, error) {
	if body == nil {
		return SaveInput{}, errors.New("request body is required")
	}
	raw, ok := body["loadedAt"]
	if !ok || raw == nil {
		return SaveInput{}, errors.New("loadedAt is required")
	}
	number, ok := raw.(float64)
	if !ok || number != math.Trunc(number) || number < 0 || number > math.MaxInt64 {
		return SaveInput{}, errors.New("loadedAt must be a non-negative integer")
	}

	fields := merge.Document{}
	for key, value := range body {
		if key == "loadedAt" || value == nil {
			continue
		}
		fields[key] = value
	}
	return SaveInput{Fields: fields, LoadedAt: int64(number)}, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set(headerRequestID, requestID)

		// Preflight is answered here for every path; the router only sees
		// real requests.
		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(writer, r.Body, maxBodyBytes)
			}
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Client-ID, X-Actor")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, codeServerError, "Server error", nil
}
