package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/metadata"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrMalformedEvent returned when a payload can not be decoded into an event
var ErrMalformedEvent = errors.New("malformed cohort topic event")

// EventType tag of a cohort topic event
type EventType string

// Cohort topic event types
const (
	EventTypeRegistration   EventType = "registration"
	EventTypeReregistration EventType = "reregistration"
	EventTypeRefreshRequest EventType = "refresh_request"
	EventTypeUnRegistration EventType = "unregistration"
	EventTypeTypeDef        EventType = "type_def"
	EventTypeInstance       EventType = "instance"
)

// CohortTopicEvent the unit of exchange on a cohort topic.
//
// The set of events is closed: RegistrationEvent, ReregistrationEvent,
// RefreshRequestEvent, UnRegistrationEvent, TypeDefEvent, and InstanceEvent.
// Build them with the New...Event functions. Events are values; copies share
// nothing mutable.
type CohortTopicEvent interface {
	// EventType the tag of the event
	EventType() EventType
	// EventID unique ID of the event, used to drop redelivered copies
	EventID() string
	// Originator metadata collection ID of the server which sent the event
	Originator() string
	// Timestamp when the event was created
	Timestamp() time.Time
	isCohortTopicEvent()
}

// eventHeader fields common to every event. They travel in the envelope.
type eventHeader struct {
	eventID    string
	originator string
	timestamp  time.Time
}

func newEventHeader(originator string) eventHeader {
	return eventHeader{
		eventID: uuid.New().String(), originator: originator, timestamp: time.Now().UTC(),
	}
}

func (h eventHeader) EventID() string      { return h.eventID }
func (h eventHeader) Originator() string   { return h.originator }
func (h eventHeader) Timestamp() time.Time { return h.timestamp }
func (eventHeader) isCohortTopicEvent()    {}

// restore fill in the header from a decoded envelope
func (h *eventHeader) restore(envelope EventEnvelope) {
	h.eventID = envelope.EventID
	h.originator = envelope.MetadataCollectionID
	h.timestamp = envelope.Timestamp
}

// RegistrationEvent a server announcing it joined the cohort
type RegistrationEvent struct {
	eventHeader
	Registration *common.MemberRegistration `json:"registration"`
}

// ReregistrationEvent a server repeating its registration, usually in reply
// to a refresh request
type ReregistrationEvent struct {
	eventHeader
	Registration *common.MemberRegistration `json:"registration"`
}

// RefreshRequestEvent a server asking every member to re-announce itself
type RefreshRequestEvent struct {
	eventHeader
}

// UnRegistrationEvent a server leaving the cohort
type UnRegistrationEvent struct {
	eventHeader
	ServerName string `json:"server_name,omitempty"`
}

// TypeDefAction what happened to a type definition
type TypeDefAction string

// Type definition actions
const (
	TypeDefAdded   TypeDefAction = "added"
	TypeDefUpdated TypeDefAction = "updated"
	TypeDefDeleted TypeDefAction = "deleted"
)

// TypeDefSummary identifies a type definition
type TypeDefSummary struct {
	GUID        string `json:"guid" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Version     int64  `json:"version"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// TypeDefEvent a change to a type definition
type TypeDefEvent struct {
	eventHeader
	Action  TypeDefAction  `json:"action" validate:"required,oneof=added updated deleted"`
	TypeDef TypeDefSummary `json:"type_def" validate:"required"`
}

// InstanceAction what happened to an instance
type InstanceAction string

// Instance actions
const (
	InstanceCreated InstanceAction = "created"
	InstanceUpdated InstanceAction = "updated"
	InstanceDeleted InstanceAction = "deleted"
	InstancePurged  InstanceAction = "purged"
)

// InstanceEvent a change to a metadata instance
type InstanceEvent struct {
	eventHeader
	Action   InstanceAction    `json:"action" validate:"required,oneof=created updated deleted purged"`
	Instance metadata.Instance `json:"instance" validate:"required"`
}

func (RegistrationEvent) EventType() EventType   { return EventTypeRegistration }
func (ReregistrationEvent) EventType() EventType { return EventTypeReregistration }
func (RefreshRequestEvent) EventType() EventType { return EventTypeRefreshRequest }
func (UnRegistrationEvent) EventType() EventType { return EventTypeUnRegistration }
func (TypeDefEvent) EventType() EventType        { return EventTypeTypeDef }
func (InstanceEvent) EventType() EventType       { return EventTypeInstance }

func copyRegistration(registration *common.MemberRegistration) *common.MemberRegistration {
	if registration == nil {
		return nil
	}
	dup := registration.Copy()
	return &dup
}

// NewRegistrationEvent define a registration event
func NewRegistrationEvent(
	originator string, registration *common.MemberRegistration,
) RegistrationEvent {
	return RegistrationEvent{
		eventHeader: newEventHeader(originator), Registration: copyRegistration(registration),
	}
}

// NewReregistrationEvent define a re-registration event
func NewReregistrationEvent(
	originator string, registration *common.MemberRegistration,
) ReregistrationEvent {
	return ReregistrationEvent{
		eventHeader: newEventHeader(originator), Registration: copyRegistration(registration),
	}
}

// NewRefreshRequestEvent define a refresh request event
func NewRefreshRequestEvent(originator string) RefreshRequestEvent {
	return RefreshRequestEvent{eventHeader: newEventHeader(originator)}
}

// NewUnRegistrationEvent define an un-registration event
func NewUnRegistrationEvent(originator, serverName string) UnRegistrationEvent {
	return UnRegistrationEvent{eventHeader: newEventHeader(originator), ServerName: serverName}
}

// NewTypeDefEvent define a type definition event
func NewTypeDefEvent(
	originator string, action TypeDefAction, typeDef TypeDefSummary,
) TypeDefEvent {
	return TypeDefEvent{eventHeader: newEventHeader(originator), Action: action, TypeDef: typeDef}
}

// NewInstanceEvent define an instance event
func NewInstanceEvent(
	originator string, action InstanceAction, instance metadata.Instance,
) InstanceEvent {
	return InstanceEvent{eventHeader: newEventHeader(originator), Action: action, Instance: instance}
}

// ===============================================================================
// Wire codec

// EventEnvelope the wire form of an event
type EventEnvelope struct {
	EventType            EventType       `json:"event_type" validate:"required"`
	EventID              string          `json:"event_id" validate:"required"`
	MetadataCollectionID string          `json:"metadata_collection_id" validate:"required"`
	Cohort               string          `json:"cohort" validate:"required"`
	Timestamp            time.Time       `json:"timestamp"`
	Payload              json.RawMessage `json:"payload,omitempty"`
}

// eventCodecs maps each event type to its Go type. The payload is the JSON
// form of the event's exported fields.
var eventCodecs = map[EventType]reflect.Type{
	EventTypeRegistration:   reflect.TypeOf(RegistrationEvent{}),
	EventTypeReregistration: reflect.TypeOf(ReregistrationEvent{}),
	EventTypeRefreshRequest: reflect.TypeOf(RefreshRequestEvent{}),
	EventTypeUnRegistration: reflect.TypeOf(UnRegistrationEvent{}),
	EventTypeTypeDef:        reflect.TypeOf(TypeDefEvent{}),
	EventTypeInstance:       reflect.TypeOf(InstanceEvent{}),
}

var envelopeValidator = validator.New()

// EncodeEvent serialize an event for a cohort topic
func EncodeEvent(cohort string, event CohortTopicEvent) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("no event to encode")
	}
	if _, ok := eventCodecs[event.EventType()]; !ok {
		return nil, fmt.Errorf("unsupported event type '%s'", event.EventType())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	envelope := EventEnvelope{
		EventType:            event.EventType(),
		EventID:              event.EventID(),
		MetadataCollectionID: event.Originator(),
		Cohort:               cohort,
		Timestamp:            event.Timestamp(),
		Payload:              payload,
	}
	if err := envelopeValidator.Struct(&envelope); err != nil {
		return nil, err
	}
	return json.Marshal(&envelope)
}

// DecodeEvent parse a serialized event. Failures wrap ErrMalformedEvent.
func DecodeEvent(data []byte) (string, CohortTopicEvent, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err.Error())
	}
	if err := envelopeValidator.Struct(&envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err.Error())
	}
	eventType, ok := eventCodecs[envelope.EventType]
	if !ok {
		return "", nil, fmt.Errorf(
			"%w: unknown event type '%s'", ErrMalformedEvent, envelope.EventType,
		)
	}
	ptr := reflect.New(eventType)
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, ptr.Interface()); err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err.Error())
		}
	}
	ptr.Interface().(interface{ restore(EventEnvelope) }).restore(envelope)
	return envelope.Cohort, ptr.Elem().Interface().(CohortTopicEvent), nil
}
