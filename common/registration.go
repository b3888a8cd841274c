package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConnectionDescriptor describes how other cohort members reach a server's repository
type ConnectionDescriptor struct {
	// Protocol is the transport protocol used to reach the repository (i.e. "nats")
	Protocol string `json:"protocol" validate:"required"`
	// Endpoint is the protocol specific address of the repository
	Endpoint string `json:"endpoint" validate:"required"`
	// ConnectorType names the connector implementation expected on the far end
	ConnectorType string `json:"connector_type,omitempty"`
	// Properties additional connector properties
	Properties map[string]string `json:"properties,omitempty"`
}

// MemberRegistration describes one server's participation in a cohort
type MemberRegistration struct {
	// MetadataCollectionID globally unique ID of the server's metadata collection.
	// It must not change once set.
	MetadataCollectionID string `json:"metadata_collection_id" validate:"required"`
	// MetadataCollectionName human readable name of the metadata collection
	MetadataCollectionName string `json:"metadata_collection_name,omitempty"`
	// ServerName name of the server
	ServerName string `json:"server_name" validate:"required"`
	// ServerType type of the server
	ServerType string `json:"server_type,omitempty"`
	// OrganizationName name of the organization operating the server
	OrganizationName string `json:"organization_name,omitempty"`
	// RegistrationTime when the registration was created or last refreshed
	RegistrationTime time.Time `json:"registration_time"`
	// RepositoryConnection how other members connect to this server's repository
	RepositoryConnection *ConnectionDescriptor `json:"repository_connection,omitempty" validate:"omitempty"`
}

// Validate check the registration is well formed
func (r *MemberRegistration) Validate(validate *validator.Validate) error {
	if r == nil {
		return fmt.Errorf("registration is nil")
	}
	return validate.Struct(r)
}

// Endpoint return the repository endpoint of the member, if any
func (r MemberRegistration) Endpoint() string {
	if r.RepositoryConnection == nil {
		return ""
	}
	return r.RepositoryConnection.Endpoint
}

// SameIdentity whether two registrations describe the same server.
//
// Identity covers the server name and the repository endpoint.
func (r MemberRegistration) SameIdentity(other MemberRegistration) bool {
	return r.ServerName == other.ServerName && r.Endpoint() == other.Endpoint()
}

// IsNewerThan whether this registration was created after the other
func (r MemberRegistration) IsNewerThan(other MemberRegistration) bool {
	return r.RegistrationTime.After(other.RegistrationTime)
}

// Copy make a deep copy of the registration
func (r MemberRegistration) Copy() MemberRegistration {
	dup := r
	if r.RepositoryConnection != nil {
		conn := *r.RepositoryConnection
		if r.RepositoryConnection.Properties != nil {
			conn.Properties = make(map[string]string, len(r.RepositoryConnection.Properties))
			for k, v := range r.RepositoryConnection.Properties {
				conn.Properties[k] = v
			}
		}
		dup.RepositoryConnection = &conn
	}
	return dup
}

// String toString function
func (r MemberRegistration) String() string {
	return fmt.Sprintf(
		"%s(%s)@%s", r.ServerName, r.MetadataCollectionID, r.RegistrationTime.Format(time.RFC3339Nano),
	)
}

// Scan implements the sql.Scanner interface
func (r *MemberRegistration) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("src is not []byte")
	}
}

// Value implements the sql/driver.Valuer interface
func (r MemberRegistration) Value() (driver.Value, error) {
	return json.Marshal(&r)
}
