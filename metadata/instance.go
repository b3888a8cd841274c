package metadata

import (
	"encoding/json"
	"time"
)

// InstanceKind whether an instance is an entity or a relationship
type InstanceKind string

// Instance kinds
const (
	KindEntity       InstanceKind = "entity"
	KindRelationship InstanceKind = "relationship"
)

// InstanceKey identifies an instance across the cohort
type InstanceKey struct {
	HomeMetadataCollectionID string
	GUID                     string
}

// Instance one metadata entity or relationship as returned by a repository
type Instance struct {
	Kind InstanceKind `json:"kind" validate:"required,oneof=entity relationship"`
	GUID string       `json:"guid" validate:"required"`
	// HomeMetadataCollectionID the metadata collection which owns the instance
	HomeMetadataCollectionID string    `json:"home_metadata_collection_id" validate:"required"`
	TypeName                 string    `json:"type_name" validate:"required"`
	Version                  int64     `json:"version"`
	UpdateTime               time.Time `json:"update_time"`
	// Properties the instance's properties keyed by name
	Properties map[string]PropertyValue `json:"properties,omitempty"`
}

// Key the cohort wide key of the instance
func (i Instance) Key() InstanceKey {
	return InstanceKey{HomeMetadataCollectionID: i.HomeMetadataCollectionID, GUID: i.GUID}
}

// Supersedes whether this copy of an instance should replace the other.
//
// The later update time wins. Equal update times fall back to the higher version.
func (i Instance) Supersedes(other Instance) bool {
	if i.UpdateTime.Equal(other.UpdateTime) {
		return i.Version > other.Version
	}
	return i.UpdateTime.After(other.UpdateTime)
}

// MatchesFilter whether every filter entry equals the text rendering of the
// named property
func (i Instance) MatchesFilter(filter map[string]string) bool {
	for name, expected := range filter {
		value, ok := i.Properties[name]
		if !ok || RenderText(value) != expected {
			return false
		}
	}
	return true
}

// UnmarshalJSON decode the instance, including its category tagged properties
func (i *Instance) UnmarshalJSON(data []byte) error {
	type instanceBody Instance
	var wire struct {
		instanceBody
		Properties map[string]json.RawMessage `json:"properties,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	properties, err := DecodeProperties(wire.Properties)
	if err != nil {
		return err
	}
	*i = Instance(wire.instanceBody)
	i.Properties = properties
	return nil
}
