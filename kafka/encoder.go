package kafka

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"github.com/hamba/avro/v2"

	"rescue-service/domain"
)

// EmergencyEventSchema is the Avro schema registered for the topic value
//
//go:embed emergency_event.avsc
var EmergencyEventSchema string

// headerSize is the magic byte plus the 4-byte schema ID
const headerSize = 5

// Encoder writes EmergencyEvents in the schema registry wire format
type Encoder struct {
	schema   avro.Schema
	schemaID int
}

// NewEncoder parses schemaJSON and prefixes every payload with schemaID
func NewEncoder(schemaJSON string, schemaID int) (*Encoder, error) {
	schema, err := avro.Parse(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &Encoder{schema: schema, schemaID: schemaID}, nil
}

// SchemaID returns the registry ID written into each header
func (e *Encoder) SchemaID() int {
	return e.schemaID
}

// Encode marshals an event: magic byte 0, big-endian schema ID, Avro body
func (e *Encoder) Encode(event *domain.EmergencyEvent) ([]byte, error) {
	payload, err := avro.Marshal(e.schema, event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	encoded := make([]byte, headerSize+len(payload))
	encoded[0] = 0
	binary.BigEndian.PutUint32(encoded[1:headerSize], uint32(e.schemaID))
	copy(encoded[headerSize:], payload)
	return encoded, nil
}
