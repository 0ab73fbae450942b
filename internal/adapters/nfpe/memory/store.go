// Package memory is an in-process arena store for documents, items, events
// and farms. Records are kept in flat maps keyed by id; a document lists
// the ids of the items and events it owns, and Delete removes them
// explicitly.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

type documentRecord struct {
	doc      nfpe.Document // Items is always nil here
	itemIDs  []string
	eventIDs []string
}

type numberKey struct {
	farmID string
	series int
	number int64
}

// Store implements nfpe.DocumentRepository, nfpe.EventRepository and
// nfpe.FarmRepository. A single mutex guards every map, which makes number
// allocation and document insertion one atomic step.
type Store struct {
	mu sync.Mutex

	farms     map[string]*nfpe.Farm
	documents map[string]*documentRecord
	items     map[string]nfpe.Item
	events    map[string]nfpe.Event

	byNumber   map[numberKey]string
	byMovement map[string]string
	byKey      map[string]string

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		farms:      make(map[string]*nfpe.Farm),
		documents:  make(map[string]*documentRecord),
		items:      make(map[string]nfpe.Item),
		events:     make(map[string]nfpe.Event),
		byNumber:   make(map[numberKey]string),
		byMovement: make(map[string]string),
		byKey:      make(map[string]string),
		now:        time.Now,
	}
}

// CreateFarm stores farm. An empty id is assigned.
func (s *Store) CreateFarm(_ context.Context, farm nfpe.Farm) (nfpe.Farm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.farms {
		if f.CNPJ == farm.CNPJ {
			return nfpe.Farm{}, nfpe.ErrDuplicateFarm
		}
	}
	if farm.ID == "" {
		farm.ID = uuid.NewString()
	}
	if _, exists := s.farms[farm.ID]; exists {
		return nfpe.Farm{}, fmt.Errorf("farm %s already exists", farm.ID)
	}
	now := s.now()
	farm.CreatedAt, farm.UpdatedAt = now, now
	stored := farm
	s.farms[farm.ID] = &stored
	return farm, nil
}

func (s *Store) GetFarm(_ context.Context, id string) (*nfpe.Farm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.farms[id]
	if !ok {
		return nil, nfpe.ErrNotFound
	}
	out := *f
	return &out, nil
}

func (s *Store) FindFarmByCNPJ(_ context.Context, cnpj string) (*nfpe.Farm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.farms {
		if f.CNPJ == cnpj {
			out := *f
			return &out, nil
		}
	}
	return nil, nfpe.ErrNotFound
}

func (s *Store) ListFarms(_ context.Context) ([]nfpe.Farm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nfpe.Farm, 0, len(s.farms))
	for _, f := range s.farms {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegalName < out[j].LegalName })
	return out, nil
}

// NextNumber increments the farm counter.
func (s *Store) NextNumber(_ context.Context, farmID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	farm, ok := s.farms[farmID]
	if !ok {
		return 0, nfpe.ErrNotFound
	}
	farm.LastNumber++
	farm.UpdatedAt = s.now()
	return farm.LastNumber, nil
}

// Create allocates the farm's next number and stores the document and its
// items under the same lock.
func (s *Store) Create(_ context.Context, doc nfpe.Document) (nfpe.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	farm, ok := s.farms[doc.FarmID]
	if !ok {
		return nfpe.Document{}, fmt.Errorf("farm %s: %w", doc.FarmID, nfpe.ErrNotFound)
	}
	if doc.ERPMovementID != "" {
		if _, taken := s.byMovement[doc.ERPMovementID]; taken {
			return nfpe.Document{}, nfpe.ErrDuplicateMovement
		}
	}
	if doc.Series == 0 {
		doc.Series = farm.DefaultSeries
	}

	farm.LastNumber++
	farm.UpdatedAt = s.now()

	now := s.now()
	doc.ID = uuid.NewString()
	doc.Number = farm.LastNumber
	doc.Status = nfpe.StatusPending
	doc.Attempts = 0
	doc.CreatedAt, doc.UpdatedAt = now, now

	doc.Items = slices.Clone(doc.Items)
	rec := &documentRecord{}
	for i := range doc.Items {
		item := doc.Items[i]
		item.ID = uuid.NewString()
		item.DocumentID = doc.ID
		s.items[item.ID] = item
		rec.itemIDs = append(rec.itemIDs, item.ID)
		doc.Items[i] = item
	}

	header := doc
	header.Items = nil
	header.XML = bytes.Clone(doc.XML)
	header.ProtocolXML = bytes.Clone(doc.ProtocolXML)
	rec.doc = header

	s.documents[doc.ID] = rec
	s.byNumber[numberKey{doc.FarmID, doc.Series, doc.Number}] = doc.ID
	if doc.ERPMovementID != "" {
		s.byMovement[doc.ERPMovementID] = doc.ID
	}
	return doc, nil
}

func (s *Store) Get(_ context.Context, id string) (*nfpe.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[id]
	if !ok {
		return nil, nfpe.ErrNotFound
	}
	doc := s.materialize(rec)
	return &doc, nil
}

func (s *Store) FindByERPMovement(ctx context.Context, movementID string) (*nfpe.Document, error) {
	s.mu.Lock()
	id, ok := s.byMovement[movementID]
	s.mu.Unlock()
	if !ok {
		return nil, nfpe.ErrNotFound
	}
	return s.Get(ctx, id)
}

// List returns documents newest first along with the unpaged total.
func (s *Store) List(_ context.Context, filter nfpe.ListFilter) ([]nfpe.Document, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*documentRecord
	for _, rec := range s.documents {
		if filter.FarmID != "" && rec.doc.FarmID != filter.FarmID {
			continue
		}
		if filter.Status != "" && rec.doc.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].doc, matched[j].doc
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Number > b.Number
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	out := make([]nfpe.Document, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, s.materialize(rec))
	}
	return out, total, nil
}

// Claim is the compare-and-set that admits one worker per document.
func (s *Store) Claim(_ context.Context, id string, from ...nfpe.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[id]
	if !ok {
		return false, nfpe.ErrNotFound
	}
	if !slices.Contains(from, rec.doc.Status) {
		return false, nil
	}
	rec.doc.Status = nfpe.StatusProcessing
	rec.doc.Attempts++
	rec.doc.UpdatedAt = s.now()
	return true, nil
}

// Save writes the lifecycle fields of doc while the record is still in
// status held at doc.Attempts.
func (s *Store) Save(_ context.Context, doc *nfpe.Document, held nfpe.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[doc.ID]
	if !ok {
		return nfpe.ErrNotFound
	}
	if rec.doc.Status != held || rec.doc.Attempts != doc.Attempts {
		return nfpe.ErrOwnershipLost
	}
	if doc.AccessKey != "" {
		if owner, taken := s.byKey[doc.AccessKey]; taken && owner != doc.ID {
			return nfpe.ErrDuplicateAccessKey
		}
	}

	if rec.doc.AccessKey != "" && rec.doc.AccessKey != doc.AccessKey {
		delete(s.byKey, rec.doc.AccessKey)
	}
	if doc.AccessKey != "" {
		s.byKey[doc.AccessKey] = doc.ID
	}

	rec.doc.AccessKey = doc.AccessKey
	rec.doc.Nonce = doc.Nonce
	rec.doc.Status = doc.Status
	rec.doc.Protocol = doc.Protocol
	rec.doc.Receipt = doc.Receipt
	rec.doc.StatusCode = doc.StatusCode
	rec.doc.StatusMessage = doc.StatusMessage
	rec.doc.AuthorizedAt = doc.AuthorizedAt
	rec.doc.XML = bytes.Clone(doc.XML)
	rec.doc.ProtocolXML = bytes.Clone(doc.ProtocolXML)
	rec.doc.UpdatedAt = s.now()
	doc.UpdatedAt = rec.doc.UpdatedAt
	return nil
}

// Touch refreshes the update time of a PROCESSING document at attempts.
func (s *Store) Touch(_ context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[id]
	if !ok {
		return nfpe.ErrNotFound
	}
	if rec.doc.Status != nfpe.StatusProcessing || rec.doc.Attempts != attempts {
		return nfpe.ErrOwnershipLost
	}
	rec.doc.UpdatedAt = s.now()
	return nil
}

func (s *Store) Transition(_ context.Context, id string, from, to nfpe.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[id]
	if !ok {
		return false, nfpe.ErrNotFound
	}
	if rec.doc.Status != from {
		return false, nil
	}
	rec.doc.Status = to
	rec.doc.UpdatedAt = s.now()
	return true, nil
}

// Delete removes the document and, explicitly, every item and event it
// owns.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[id]
	if !ok {
		return nfpe.ErrNotFound
	}
	for _, itemID := range rec.itemIDs {
		delete(s.items, itemID)
	}
	for _, eventID := range rec.eventIDs {
		delete(s.events, eventID)
	}
	delete(s.byNumber, numberKey{rec.doc.FarmID, rec.doc.Series, rec.doc.Number})
	if rec.doc.ERPMovementID != "" {
		delete(s.byMovement, rec.doc.ERPMovementID)
	}
	if rec.doc.AccessKey != "" {
		delete(s.byKey, rec.doc.AccessKey)
	}
	delete(s.documents, id)
	return nil
}

func (s *Store) ListRetryable(_ context.Context, maxAttempts, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []nfpe.Document
	for _, rec := range s.documents {
		switch {
		case rec.doc.Status == nfpe.StatusPending:
		case rec.doc.Status == nfpe.StatusError && rec.doc.Attempts < maxAttempts:
		default:
			continue
		}
		candidates = append(candidates, rec.doc)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *Store) ReleaseStale(_ context.Context, olderThan time.Duration, message string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	var ids []string
	for id, rec := range s.documents {
		if rec.doc.Status != nfpe.StatusProcessing || !rec.doc.UpdatedAt.Before(cutoff) {
			continue
		}
		rec.doc.Status = nfpe.StatusError
		rec.doc.StatusCode = ""
		rec.doc.StatusMessage = message
		rec.doc.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateEvent appends evt to its document's history.
func (s *Store) CreateEvent(_ context.Context, evt nfpe.Event) (nfpe.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[evt.DocumentID]
	if !ok {
		return nfpe.Event{}, fmt.Errorf("document %s: %w", evt.DocumentID, nfpe.ErrNotFound)
	}
	evt.ID = uuid.NewString()
	evt.CreatedAt = s.now()
	evt.RequestXML = bytes.Clone(evt.RequestXML)
	evt.ResponseXML = bytes.Clone(evt.ResponseXML)
	s.events[evt.ID] = evt
	rec.eventIDs = append(rec.eventIDs, evt.ID)
	return evt, nil
}

// UpdateEvent changes only the mutable fields of a stored event.
func (s *Store) UpdateEvent(_ context.Context, evt nfpe.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.events[evt.ID]
	if !ok {
		return nfpe.ErrNotFound
	}
	stored.Status = evt.Status
	stored.Protocol = evt.Protocol
	stored.StatusCode = evt.StatusCode
	stored.StatusMessage = evt.StatusMessage
	stored.ResponseXML = bytes.Clone(evt.ResponseXML)
	stored.RegisteredAt = evt.RegisteredAt
	s.events[evt.ID] = stored
	return nil
}

func (s *Store) ListEvents(_ context.Context, documentID string) ([]nfpe.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[documentID]
	if !ok {
		return nil, nfpe.ErrNotFound
	}
	out := make([]nfpe.Event, 0, len(rec.eventIDs))
	for _, id := range rec.eventIDs {
		out = append(out, s.events[id])
	}
	return out, nil
}

// Counts reports how many records of each kind are stored.
func (s *Store) Counts() (documents, items, events int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents), len(s.items), len(s.events)
}

func (s *Store) materialize(rec *documentRecord) nfpe.Document {
	doc := rec.doc
	doc.XML = bytes.Clone(rec.doc.XML)
	doc.ProtocolXML = bytes.Clone(rec.doc.ProtocolXML)
	doc.Items = make([]nfpe.Item, 0, len(rec.itemIDs))
	for _, id := range rec.itemIDs {
		doc.Items = append(doc.Items, s.items[id])
	}
	sort.Slice(doc.Items, func(i, j int) bool { return doc.Items[i].Number < doc.Items[j].Number })
	return doc
}

// Ping satisfies the health checker.
func (s *Store) Ping(context.Context) error { return nil }
