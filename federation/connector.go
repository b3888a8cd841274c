package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/metadata"
)

// ErrNoRepository the member does not expose a repository
var ErrNoRepository = errors.New("member exposes no repository")

// OperationName a repository operation which can be federated
type OperationName string

// Supported operations
const (
	OpFindEntities      OperationName = "find_entities"
	OpFindRelationships OperationName = "find_relationships"
	OpGetInstance       OperationName = "get_instance"
)

// Operation one repository request
type Operation struct {
	Name     OperationName     `json:"name" validate:"required,oneof=find_entities find_relationships get_instance"`
	TypeName string            `json:"type_name,omitempty"`
	GUID     string            `json:"guid,omitempty" validate:"required_if=Name get_instance"`
	Filter   map[string]string `json:"filter,omitempty"`
	Limit    int               `json:"limit,omitempty" validate:"gte=0"`
}

// Query the repository query performing the operation
func (o Operation) Query() (metadata.Query, error) {
	query := metadata.Query{TypeName: o.TypeName, GUID: o.GUID, Filter: o.Filter, Limit: o.Limit}
	switch o.Name {
	case OpFindEntities:
		query.Kind = metadata.KindEntity
	case OpFindRelationships:
		query.Kind = metadata.KindRelationship
	case OpGetInstance:
		if o.GUID == "" {
			return metadata.Query{}, fmt.Errorf("get_instance needs a GUID")
		}
		query.Limit = 0
	default:
		return metadata.Query{}, fmt.Errorf("unsupported operation '%s'", o.Name)
	}
	return query, nil
}

// RepositoryConnector client of one member's repository
type RepositoryConnector interface {
	// MetadataCollectionID ID of the member the connector reaches
	MetadataCollectionID() string
	// Execute run an operation against the member's repository
	Execute(ctxt context.Context, op Operation) ([]metadata.Instance, error)
	// Close release the connector
	Close() error
}

// ConnectorFactory builds connectors from member registrations
type ConnectorFactory interface {
	// NewConnector build a connector for a member
	NewConnector(registration common.MemberRegistration) (RepositoryConnector, error)
}

// ConnectorFactoryFunc adapter to use a function as a ConnectorFactory
type ConnectorFactoryFunc func(registration common.MemberRegistration) (RepositoryConnector, error)

// NewConnector calls f(registration)
func (f ConnectorFactoryFunc) NewConnector(
	registration common.MemberRegistration,
) (RepositoryConnector, error) {
	return f(registration)
}

// localConnector runs operations directly against an in-process repository
type localConnector struct {
	metadataCollectionID string
	repo                 metadata.Repository
}

// NewLocalConnector define a connector for the local repository
func NewLocalConnector(metadataCollectionID string, repo metadata.Repository) RepositoryConnector {
	return &localConnector{metadataCollectionID: metadataCollectionID, repo: repo}
}

func (c *localConnector) MetadataCollectionID() string {
	return c.metadataCollectionID
}

func (c *localConnector) Execute(ctxt context.Context, op Operation) ([]metadata.Instance, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	query, err := op.Query()
	if err != nil {
		return nil, err
	}
	return c.repo.Find(query)
}

func (c *localConnector) Close() error {
	return nil
}
