package kafka

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"rescue-service/domain"
)

// decodeEvent reverses Encoder.Encode the way a registry-aware consumer does
func decodeEvent(t *testing.T, enc *Encoder, data []byte) (*domain.EmergencyEvent, int) {
	t.Helper()
	require.GreaterOrEqual(t, len(data), headerSize)
	require.Equal(t, byte(0), data[0], "magic byte")
	schemaID := int(binary.BigEndian.Uint32(data[1:headerSize]))

	var event domain.EmergencyEvent
	require.NoError(t, avro.Unmarshal(enc.schema, data[headerSize:], &event))
	return &event, schemaID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryOutbox struct {
	mu      sync.Mutex
	events  map[string]*domain.OutboxEvent
	saveErr error
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{events: make(map[string]*domain.OutboxEvent)}
}

func (o *memoryOutbox) SaveOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.saveErr != nil {
		return o.saveErr
	}
	o.events[event.ID] = event
	return nil
}

func (o *memoryOutbox) GetUnprocessedOutboxEvents(ctx context.Context, limit int64) ([]*domain.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var pending []*domain.OutboxEvent
	for _, e := range o.events {
		if !e.Processed {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if int64(len(pending)) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (o *memoryOutbox) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	o.events[eventID].Processed = true
	o.events[eventID].ProcessedAt = &now
	return nil
}

func (o *memoryOutbox) pending() int {
	events, _ := o.GetUnprocessedOutboxEvents(context.Background(), 1<<20)
	return len(events)
}

type flakyPublisher struct {
	published []string
	failFor   map[string]bool
}

func (p *flakyPublisher) PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	if p.failFor[event.EventType] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event.EventType)
	return nil
}

func sampleEmergency() *domain.Emergency {
	garage := primitive.NewObjectID()
	return &domain.Emergency{
		ID:         primitive.NewObjectID(),
		SessionID:  "session-1",
		Location:   domain.NewPoint(10.75, 106.66),
		Garage:     &garage,
		IsAccepted: true,
	}
}

func TestOutboxRecorder_Record(t *testing.T) {
	outbox := newMemoryOutbox()
	recorder := NewOutboxRecorder(outbox)
	recorder.now = func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) }
	e := sampleEmergency()

	require.NoError(t, recorder.Record(context.Background(), domain.EmergencyAccepted, e, 3))

	require.Len(t, outbox.events, 1)
	for id, saved := range outbox.events {
		assert.Equal(t, id, saved.Event.EventID)
		assert.NotEmpty(t, id)
		assert.Equal(t, domain.EmergencyAccepted, saved.EventType)
		assert.Equal(t, e.ID.Hex(), saved.Event.EmergencyID)
		assert.Equal(t, 3, saved.Event.NotifiedCount)
		require.NotNil(t, saved.Event.GarageID)
		assert.Equal(t, e.Garage.Hex(), *saved.Event.GarageID)
		assert.InDelta(t, 10.75, *saved.Event.Latitude, 1e-9)
		assert.False(t, saved.Processed)
	}
}

func TestOutboxRecorder_SaveFailure(t *testing.T) {
	outbox := newMemoryOutbox()
	outbox.saveErr = errors.New("write concern")

	err := NewOutboxRecorder(outbox).Record(context.Background(), domain.EmergencyCreated, sampleEmergency(), 0)

	assert.ErrorContains(t, err, "created")
}

func TestOutboxProcessor_DrainsAndRetries(t *testing.T) {
	outbox := newMemoryOutbox()
	recorder := NewOutboxRecorder(outbox)
	ctx := context.Background()
	e := sampleEmergency()

	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	for i, typ := range []string{domain.EmergencyCreated, domain.EmergencyOffered, domain.EmergencyAccepted} {
		at := base.Add(time.Duration(i) * time.Second)
		recorder.now = func() time.Time { return at }
		require.NoError(t, recorder.Record(ctx, typ, e, 1))
	}

	publisher := &flakyPublisher{failFor: map[string]bool{domain.EmergencyOffered: true}}
	processor := NewOutboxProcessor(outbox, publisher, time.Second, testLogger())

	processed, err := processor.processOutboxEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, []string{domain.EmergencyCreated, domain.EmergencyAccepted}, publisher.published)
	assert.Equal(t, 1, outbox.pending())

	delete(publisher.failFor, domain.EmergencyOffered)
	processed, err = processor.processOutboxEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, outbox.pending())
}

func TestOutboxProcessor_StopsOnCancel(t *testing.T) {
	processor := NewOutboxProcessor(newMemoryOutbox(), &flakyPublisher{}, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("outbox processor did not stop")
	}
}

func TestEncoder_WireFormat(t *testing.T) {
	enc, err := NewEncoder(EmergencyEventSchema, 42)
	require.NoError(t, err)

	e := sampleEmergency()
	event := domain.NewEmergencyEvent(domain.EmergencyAccepted, e, 2, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	event.EventID = "evt-1"

	data, err := enc.Encode(&event)
	require.NoError(t, err)

	require.Greater(t, len(data), headerSize)
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(data[1:5]))

	decoded, schemaID := decodeEvent(t, enc, data)
	assert.Equal(t, 42, schemaID)
	assert.Equal(t, "evt-1", decoded.EventID)
	assert.Equal(t, e.ID.Hex(), decoded.EmergencyID)
	assert.Equal(t, *event.GarageID, *decoded.GarageID)
	assert.True(t, decoded.OccurredAt.Equal(event.OccurredAt))
}

func TestEncoder_OpenCaseHasNullGarage(t *testing.T) {
	enc, err := NewEncoder(EmergencyEventSchema, 7)
	require.NoError(t, err)

	open := &domain.Emergency{ID: primitive.NewObjectID(), SessionID: "s"}
	event := domain.NewEmergencyEvent(domain.EmergencyCreated, open, 0, time.Now().Truncate(time.Millisecond))

	data, err := enc.Encode(&event)
	require.NoError(t, err)
	decoded, _ := decodeEvent(t, enc, data)
	assert.Nil(t, decoded.GarageID)
	assert.Nil(t, decoded.Latitude)
}
