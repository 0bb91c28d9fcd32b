package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"plansync/internal/broadcast"
	"plansync/internal/history"
	"plansync/internal/merge"
	"plansync/internal/schema"
	"plansync/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type VerticalInfo struct {
	Name        string   `json:"name"`
	Tracks      []string `json:"tracks"`
	Disciplines []string `json:"disciplines"`
	Sizes       []string `json:"sizes"`
}

type LoadResponse struct {
	Vertical string         `json:"vertical"`
	Document merge.Document `json:"document"`
	LoadedAt int64          `json:"loadedAt"`
}

type SaveInput struct {
	Fields   merge.Document
	LoadedAt int64
	Actor    string
	ClientID string
}

// SaveResponse carries the merged document with a fresh loadedAt inside it,
// so a client can adopt it directly as its next baseline.
type SaveResponse struct {
	Vertical string                       `json:"vertical"`
	Document merge.Document               `json:"document"`
	LoadedAt int64                        `json:"loadedAt"`
	Accepted []string                     `json:"accepted"`
	Rejected []string                     `json:"rejected"`
	Changed  []string                     `json:"changed"`
	Details  map[string]merge.FieldDetail `json:"details,omitempty"`
	Snapshot *history.Snapshot            `json:"snapshot,omitempty"`
}

type RestoreResponse struct {
	SaveResponse
	RestoredFrom history.Snapshot `json:"restoredFrom"`
}

type dataStore interface {
	Load(context.Context, string) (merge.Document, merge.FieldTimestamps, error)
	Update(context.Context, string, store.UpdateFunc) error
	Ping(context.Context) error
}

type historyService interface {
	Record(string, merge.Document, merge.FieldTimestamps, string, string) (history.Snapshot, error)
	List(string, int) ([]history.Snapshot, error)
	Get(string, string) (merge.Document, history.Snapshot, error)
}

type Option func(*Service)

// WithHistory records a snapshot after every save that changed something.
func WithHistory(h *history.Service) Option {
	return func(s *Service) {
		if h != nil {
			s.history = h
		}
	}
}

func WithPublisher(p broadcast.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	store     dataStore
	registry  *schema.Registry
	history   historyService
	publisher broadcast.Publisher
	now       func() time.Time
	lockMu    sync.Mutex
	locks     map[string]*sync.Mutex
}

func New(documentStore store.DocumentStore, registry *schema.Registry, opts ...Option) *Service {
	s := &Service{
		store:    documentStore,
		registry: registry,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ListVerticals() []VerticalInfo {
	names := s.registry.Names()
	items := make([]VerticalInfo, 0, len(names))
	for _, name := range names {
		v, _ := s.registry.Lookup(name)
		items = append(items, VerticalInfo{
			Name:        v.Name,
			Tracks:      v.Tracks,
			Disciplines: v.Disciplines,
			Sizes:       v.Sizes,
		})
	}
	return items
}

// LoadDocument returns the vertical's document in canonical shape together
// with a fresh load marker. The read and the marker happen under the vertical
// lock, so every change stamped at or before the marker is in the document.
func (s *Service) LoadDocument(ctx context.Context, vertical string) (LoadResponse, error) {
	v, ok := s.registry.Lookup(vertical)
	if !ok {
		return LoadResponse{}, verticalNotFound(vertical)
	}

	lock := s.verticalLock(v.Name)
	lock.Lock()
	doc, _, err := s.store.Load(ctx, vertical)
	loadedAt := s.now().UnixMilli()
	lock.Unlock()
	if err != nil {
		return LoadResponse{}, storeError(err)
	}
	return LoadResponse{
		Vertical: vertical,
		Document: schema.Normalize(doc, v),
		LoadedAt: loadedAt,
	}, nil
}

// SaveDocument reconciles the known fields of input against the stored
// document. Unknown and null fields are ignored.
func (s *Service) SaveDocument(ctx context.Context, vertical string, input SaveInput) (SaveResponse, error) {
	v, ok := s.registry.Lookup(vertical)
	if !ok {
		return SaveResponse{}, verticalNotFound(vertical)
	}
	if input.LoadedAt < 0 {
		return SaveResponse{}, invalidRequest("loadedAt must not be negative", map[string]any{"loadedAt": input.LoadedAt})
	}
	fields := schema.Known(input.Fields)
	if len(fields) == 0 {
		return SaveResponse{}, invalidRequest("Request contains no known fields", map[string]any{"knownFields": fieldNames()})
	}
	return s.apply(ctx, v, fields, input.LoadedAt, input.Actor, input.ClientID, "")
}

func (s *Service) History(_ context.Context, vertical string, limit int) ([]history.Snapshot, error) {
	if _, ok := s.registry.Lookup(vertical); !ok {
		return nil, verticalNotFound(vertical)
	}
	if s.history == nil {
		return nil, historyDisabled()
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	items, err := s.history.List(vertical, limit)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", vertical, err)
	}
	return items, nil
}

// Restore writes every known field of the snapshot at ref back with a forced
// overwrite, so it wins over any concurrent edit.
func (s *Service) Restore(ctx context.Context, vertical, ref, actor string) (RestoreResponse, error) {
	v, ok := s.registry.Lookup(vertical)
	if !ok {
		return RestoreResponse{}, verticalNotFound(vertical)
	}
	if s.history == nil {
		return RestoreResponse{}, historyDisabled()
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return RestoreResponse{}, invalidRequest("ref is required", nil)
	}
	doc, snapshot, err := s.history.Get(vertical, ref)
	if errors.Is(err, history.ErrNotFound) {
		return RestoreResponse{}, domainError(http.StatusNotFound, codeSnapshotNotFound, "Snapshot not found", map[string]any{"ref": ref})
	}
	if err != nil {
		return RestoreResponse{}, fmt.Errorf("load snapshot %s@%s: %w", vertical, ref, err)
	}
	fields := schema.Known(doc)
	if len(fields) == 0 {
		return RestoreResponse{}, invalidRequest("Snapshot contains no known fields", map[string]any{"ref": ref})
	}

	message := fmt.Sprintf("Restore %s", snapshot.ShortHash)
	response, err := s.apply(ctx, v, fields, merge.ForceOverwrite, actor, "", message)
	if err != nil {
		return RestoreResponse{}, err
	}
	return RestoreResponse{SaveResponse: response, RestoredFrom: snapshot}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) apply(ctx context.Context, v schema.Vertical, fields merge.Document, loadedAt int64, actor, clientID, message string) (SaveResponse, error) {
	lock := s.verticalLock(v.Name)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UnixMilli()
	var result merge.Result
	err := s.store.Update(ctx, v.Name, func(doc merge.Document, ts merge.FieldTimestamps) (merge.Document, merge.FieldTimestamps, bool, error) {
		result = merge.Reconcile(doc, ts, fields, loadedAt, now)
		return result.Document, result.Timestamps, result.HasChanges(), nil
	})
	if err != nil {
		return SaveResponse{}, storeError(err)
	}

	if len(result.Rejected) > 0 {
		log.Printf("app: vertical=%s rejected stale fields %v (loadedAt=%d actor=%q)", v.Name, result.Rejected, loadedAt, actor)
	}
	for field, detail := range result.Details {
		log.Printf("app: vertical=%s merged %s changed=%v added=%v deleted=%v", v.Name, field, detail.Changed, detail.Added, detail.Deleted)
	}

	document := schema.Normalize(result.Document, v)
	response := SaveResponse{
		Vertical: v.Name,
		Document: document,
		LoadedAt: now,
		Accepted: nonNil(result.Accepted),
		Rejected: nonNil(result.Rejected),
		Changed:  nonNil(result.Changed),
		Details:  result.Details,
	}

	if result.HasChanges() {
		if message == "" {
			message = "Save " + strings.Join(result.Changed, ", ")
		}
		response.Snapshot = s.recordHistory(v.Name, result, actor, message)
		s.publish(ctx, broadcast.NewDocumentUpdated(v.Name, result.Changed, document, now, clientID, actor))
	}

	withMarker := document.Clone()
	withMarker["loadedAt"] = now
	response.Document = withMarker
	return response, nil
}

func (s *Service) recordHistory(vertical string, result merge.Result, actor, message string) *history.Snapshot {
	if s.history == nil {
		return nil
	}
	snapshot, err := s.history.Record(vertical, result.Document, result.Timestamps, actor, message)
	if err != nil {
		log.Printf("history: record %s: %v", vertical, err)
		return nil
	}
	return &snapshot
}

func (s *Service) publish(ctx context.Context, event broadcast.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("broadcast: publish %s for %s: %v", event.ID, event.Vertical, err)
	}
}

func (s *Service) verticalLock(vertical string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[vertical]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[vertical] = lock
	return lock
}

func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		log.Printf("store: %v", err)
		return domainError(http.StatusServiceUnavailable, codeStoreUnavailable, "Document store unavailable", nil)
	case errors.Is(err, store.ErrContention):
		log.Printf("store: %v", err)
		return domainError(http.StatusServiceUnavailable, codeStoreContention, "Document store is busy, retry the save", nil)
	default:
		return err
	}
}

func historyDisabled() *DomainError {
	return domainError(http.StatusNotImplemented, codeHistoryDisabled, "History is not enabled", nil)
}

func fieldNames() []string {
	fields := schema.Fields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, string(f))
	}
	return names
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
