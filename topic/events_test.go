package topic

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/metadata"
	"github.com/stretchr/testify/assert"
)

func testRegistration(id, name string) *common.MemberRegistration {
	return &common.MemberRegistration{
		MetadataCollectionID: id,
		ServerName:           name,
		RegistrationTime:     time.Now().UTC(),
		RepositoryConnection: &common.ConnectionDescriptor{
			Protocol: "nats", Endpoint: "omrs.repo." + id,
		},
	}
}

func TestEventCodec(t *testing.T) {
	assert := assert.New(t)

	events := []CohortTopicEvent{
		NewRegistrationEvent("A1", testRegistration("A1", "ServerA")),
		NewReregistrationEvent("A1", testRegistration("A1", "ServerA")),
		NewRefreshRequestEvent("A1"),
		NewUnRegistrationEvent("A1", "ServerA"),
		NewTypeDefEvent("A1", TypeDefAdded, TypeDefSummary{GUID: "t1", Name: "Database"}),
		NewInstanceEvent("A1", InstanceCreated, metadata.Instance{
			Kind:                     metadata.KindEntity,
			GUID:                     "g1",
			HomeMetadataCollectionID: "A1",
			TypeName:                 "Database",
			Properties: map[string]metadata.PropertyValue{
				"name": metadata.PrimitiveValue{TypeName: "string", Value: "customers"},
			},
		}),
	}

	for _, original := range events {
		encoded, err := EncodeEvent("cocoCohort", original)
		assert.Nil(err)
		cohort, decoded, err := DecodeEvent(encoded)
		assert.Nil(err)
		assert.Equal("cocoCohort", cohort)
		assert.Equal(original.EventType(), decoded.EventType())
		assert.Equal(original.EventID(), decoded.EventID())
		assert.Equal("A1", decoded.Originator())
		assert.True(original.Timestamp().Equal(decoded.Timestamp()))

		switch event := decoded.(type) {
		case RegistrationEvent:
			assert.Equal("ServerA", event.Registration.ServerName)
		case ReregistrationEvent:
			assert.Equal("ServerA", event.Registration.ServerName)
		case UnRegistrationEvent:
			assert.Equal("ServerA", event.ServerName)
		case TypeDefEvent:
			assert.Equal("Database", event.TypeDef.Name)
			assert.Equal(TypeDefAdded, event.Action)
		case InstanceEvent:
			assert.Equal("g1", event.Instance.GUID)
			assert.Equal(
				"customers", metadata.RenderText(event.Instance.Properties["name"]),
			)
		case RefreshRequestEvent:
		default:
			assert.Failf("unexpected event", "%T", decoded)
		}
	}
}

func TestEventImmutability(t *testing.T) {
	assert := assert.New(t)

	registration := testRegistration("A1", "ServerA")
	event := NewRegistrationEvent("A1", registration)
	registration.ServerName = "changed"
	assert.Equal("ServerA", event.Registration.ServerName)
}

func TestDecodeMalformedEvent(t *testing.T) {
	assert := assert.New(t)

	// Case 0: not JSON
	{
		_, _, err := DecodeEvent([]byte("hello"))
		assert.True(errors.Is(err, ErrMalformedEvent))
	}

	// Case 1: missing envelope fields
	{
		_, _, err := DecodeEvent([]byte(`{"event_type":"registration"}`))
		assert.True(errors.Is(err, ErrMalformedEvent))
	}

	// Case 2: unknown event type
	{
		raw, _ := json.Marshal(EventEnvelope{
			EventType: "gossip", EventID: "e1", MetadataCollectionID: "A1", Cohort: "c",
		})
		_, _, err := DecodeEvent(raw)
		assert.True(errors.Is(err, ErrMalformedEvent))
	}

	// Case 3: payload does not fit the type
	{
		raw, _ := json.Marshal(EventEnvelope{
			EventType:            EventTypeRegistration,
			EventID:              "e1",
			MetadataCollectionID: "A1",
			Cohort:               "c",
			Payload:              json.RawMessage(`{"registration": 12}`),
		})
		_, _, err := DecodeEvent(raw)
		assert.True(errors.Is(err, ErrMalformedEvent))
	}

	// Case 4: a registration event with no registration still decodes
	{
		raw, _ := json.Marshal(EventEnvelope{
			EventType:            EventTypeRegistration,
			EventID:              "e1",
			MetadataCollectionID: "A1",
			Cohort:               "c",
		})
		_, event, err := DecodeEvent(raw)
		assert.Nil(err)
		asReg, ok := event.(RegistrationEvent)
		assert.True(ok)
		assert.Nil(asReg.Registration)
	}

	// Case 5: encode without an originator
	{
		_, err := EncodeEvent("c", NewRefreshRequestEvent(""))
		assert.NotNil(err)
		_, err = EncodeEvent("c", nil)
		assert.NotNil(err)
	}
}

func TestDeduplicator(t *testing.T) {
	assert := assert.New(t)

	// Case 0: disabled
	{
		uut := NewDeduplicator(0)
		assert.True(uut.FirstSighting("e1"))
		assert.True(uut.FirstSighting("e1"))
	}

	// Case 1: enabled
	{
		uut := NewDeduplicator(time.Millisecond * 100)
		assert.True(uut.FirstSighting("e1"))
		assert.False(uut.FirstSighting("e1"))
		assert.True(uut.FirstSighting("e2"))
		time.Sleep(time.Millisecond * 150)
		assert.True(uut.FirstSighting("e1"))
	}
}
