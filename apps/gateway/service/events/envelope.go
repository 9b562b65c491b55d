// Package events defines the versioned envelope consumed from the durable
// queue and the socket frames exchanged with connected clients.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Known envelope schemas. The set is closed: anything else is a validation
// failure for that message only, never for the batch it arrived in.
const (
	SchemaBroadcast     = "BROADCAST"
	SchemaEmitPrivate   = "EMIT_PRIVATE"
	SchemaNewConnection = "NEW_CONNECTION"
)

var (
	ErrInvalidEnvelope = errors.New("invalid event envelope")
	ErrUnknownSchema   = errors.New("unknown event schema")
	ErrInvalidPayload  = errors.New("invalid event payload")
)

// Envelope is the unit of work flowing through the queue. The payload stays
// raw until the schema-specific validator has accepted its shape.
type Envelope struct {
	ID            string          `json:"id"`
	Schema        string          `json:"schema"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// PrivatePayload is the payload shape of an EMIT_PRIVATE envelope.
type PrivatePayload struct {
	TargetSubscriptionID string          `json:"target_subscription_id"`
	Data                 json.RawMessage `json:"data,omitempty"`
}

// NewConnectionPayload is the payload shape of a NEW_CONNECTION envelope.
type NewConnectionPayload struct {
	SubscriptionID string `json:"subscription_id"`
	ClientID       string `json:"client_id,omitempty"`
	GatewayID      string `json:"gateway_id,omitempty"`
}

type payloadValidator func(raw json.RawMessage) error

//nolint:gochecknoglobals // Schema registry is immutable after init
var schemaRegistry = map[string]map[int]payloadValidator{
	SchemaBroadcast: {
		1: validateObjectPayload,
	},
	SchemaEmitPrivate: {
		1: validatePrivatePayload,
	},
	SchemaNewConnection: {
		1: validateNewConnectionPayload,
	},
}

// Parse unmarshals and validates a queue message body into an Envelope.
// Any error it returns is a terminal validation failure for that message.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

// Validate checks the envelope fields and the payload shape against the
// registered validator for (schema, schema_version).
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if e.Schema == "" {
		return fmt.Errorf("%w: missing schema", ErrInvalidEnvelope)
	}

	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
			return fmt.Errorf("%w: bad timestamp %q", ErrInvalidEnvelope, e.Timestamp)
		}
	}

	versions, ok := schemaRegistry[e.Schema]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, e.Schema)
	}

	version := e.SchemaVersion
	if version == 0 {
		version = 1
	}

	validate, ok := versions[version]
	if !ok {
		return fmt.Errorf("%w: %s v%d", ErrUnknownSchema, e.Schema, version)
	}

	if err := validate(e.Payload); err != nil {
		return err
	}

	return nil
}

// PrivateTarget extracts the target subscription and inner data of an
// EMIT_PRIVATE envelope. Only valid after Validate has passed.
func (e *Envelope) PrivateTarget() (string, json.RawMessage, error) {
	var p PrivatePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.TargetSubscriptionID == "" {
		return "", nil, fmt.Errorf("%w: missing target_subscription_id", ErrInvalidPayload)
	}
	return p.TargetSubscriptionID, p.Data, nil
}

func validateObjectPayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	return nil
}

func validatePrivatePayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	var p PrivatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.TargetSubscriptionID == "" {
		return fmt.Errorf("%w: missing target_subscription_id", ErrInvalidPayload)
	}
	return nil
}

func validateNewConnectionPayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	var p NewConnectionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.SubscriptionID == "" {
		return fmt.Errorf("%w: missing subscription_id", ErrInvalidPayload)
	}
	return nil
}
