package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"rescue-service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryStore is an EmergencyStore kept in a map
type memoryStore struct {
	mu          sync.Mutex
	emergencies map[primitive.ObjectID]*domain.Emergency
	failWith    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{emergencies: make(map[primitive.ObjectID]*domain.Emergency)}
}

func clone(e *domain.Emergency) *domain.Emergency {
	c := *e
	if e.Garage != nil {
		g := *e.Garage
		c.Garage = &g
	}
	return &c
}

func (s *memoryStore) Create(ctx context.Context, e *domain.Emergency) (*domain.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	e.ID = primitive.NewObjectID()
	if e.Images == nil {
		e.Images = []string{}
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	s.emergencies[e.ID] = clone(e)
	return clone(e), nil
}

func (s *memoryStore) FindOpen(ctx context.Context) ([]*domain.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	open := []*domain.Emergency{}
	for _, e := range s.emergencies {
		if !e.IsAccepted {
			open = append(open, clone(e))
		}
	}
	return open, nil
}

func (s *memoryStore) FindByID(ctx context.Context, id primitive.ObjectID) (*domain.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	e, ok := s.emergencies[id]
	if !ok {
		return nil, nil
	}
	return clone(e), nil
}

func (s *memoryStore) UpdateByID(ctx context.Context, id primitive.ObjectID, patch domain.EmergencyPatch) (*domain.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emergencies[id]
	if !ok {
		return nil, nil
	}
	if patch.Garage != nil {
		g := *patch.Garage
		e.Garage = &g
	}
	if patch.IsAccepted != nil {
		e.IsAccepted = *patch.IsAccepted
		if !e.IsAccepted {
			e.Garage = nil
		}
	}
	if patch.Description != nil {
		e.Description = *patch.Description
	}
	if patch.Images != nil {
		e.Images = patch.Images
	}
	if patch.Location != nil {
		e.Location = patch.Location
	}
	if patch.Address != nil {
		e.Address = *patch.Address
	}
	if patch.Phone != nil {
		e.Phone = *patch.Phone
	}
	return clone(e), nil
}

func (s *memoryStore) AcceptByID(ctx context.Context, id, garageID primitive.ObjectID, onlyIfOpen bool) (*domain.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	e, ok := s.emergencies[id]
	if !ok || (onlyIfOpen && e.IsAccepted) {
		return nil, nil
	}
	e.Garage = &garageID
	e.IsAccepted = true
	return clone(e), nil
}

func (s *memoryStore) DeleteByID(ctx context.Context, id primitive.ObjectID) (*domain.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emergencies[id]
	if !ok {
		return nil, nil
	}
	delete(s.emergencies, id)
	return e, nil
}

func (s *memoryStore) exists(id primitive.ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.emergencies[id]
	return ok
}

// rescueCatalog qualifies a fixed set of garages
type rescueCatalog struct {
	rescue   map[string]bool
	calls    int
	failWith error
}

func newRescueCatalog(ids ...string) *rescueCatalog {
	c := &rescueCatalog{rescue: make(map[string]bool)}
	for _, id := range ids {
		c.rescue[id] = true
	}
	return c
}

func (c *rescueCatalog) FindGaragesOfferingRescue(ctx context.Context, garageIDs []string) ([]string, error) {
	c.calls++
	if c.failWith != nil {
		return nil, c.failWith
	}
	out := []string{}
	for _, id := range garageIDs {
		if c.rescue[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type emission struct {
	Event   string
	Target  string
	Payload *domain.Emergency
	// whether the emergency was still stored when the event went out
	Stored bool
}

// recordingNotifier keeps every emission in order
type recordingNotifier struct {
	mu        sync.Mutex
	live      []string
	users     map[string]bool
	store     *memoryStore
	emissions []emission
	failGroup map[string]bool
}

func newRecordingNotifier(store *memoryStore, live ...string) *recordingNotifier {
	return &recordingNotifier{
		live:      live,
		users:     make(map[string]bool),
		store:     store,
		failGroup: make(map[string]bool),
	}
}

func (n *recordingNotifier) ActiveGarageIDs(ctx context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := append([]string(nil), n.live...)
	sort.Strings(ids)
	return ids, nil
}

func (n *recordingNotifier) SendToGroup(ctx context.Context, event string, payload any, groupID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failGroup[groupID] {
		return errors.New("channel broken")
	}
	n.emit(event, groupID, payload)
	return nil
}

func (n *recordingNotifier) SendToUser(ctx context.Context, userID, event string, payload any) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.users[userID] {
		return false, nil
	}
	n.emit(event, "user:"+userID, payload)
	return true, nil
}

func (n *recordingNotifier) emit(event, target string, payload any) {
	e, _ := payload.(*domain.Emergency)
	stored := false
	if e != nil && n.store != nil {
		stored = n.store.exists(e.ID)
	}
	n.emissions = append(n.emissions, emission{Event: event, Target: target, Payload: e, Stored: stored})
}

func (n *recordingNotifier) sent(event string) []emission {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []emission
	for _, em := range n.emissions {
		if em.Event == event {
			out = append(out, em)
		}
	}
	return out
}

func targets(ems []emission) []string {
	out := make([]string, len(ems))
	for i, em := range ems {
		out[i] = em.Target
	}
	return out
}

type recordedEvent struct {
	Type     string
	ID       primitive.ObjectID
	Notified int
}

type memoryRecorder struct {
	mu       sync.Mutex
	events   []recordedEvent
	failWith error
}

func (r *memoryRecorder) Record(ctx context.Context, eventType string, e *domain.Emergency, notified int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.events = append(r.events, recordedEvent{Type: eventType, ID: e.ID, Notified: notified})
	return nil
}

func (r *memoryRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type staticFinder struct {
	garages  []*domain.Garage
	failWith error
	radius   float64
}

func (f *staticFinder) FindGaragesWithin(ctx context.Context, latitude, longitude, radiusKm float64) ([]*domain.Garage, error) {
	f.radius = radiusKm
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.garages, nil
}
