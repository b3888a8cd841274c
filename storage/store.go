package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/omrs/common"
)

// ErrStoreClosed returned when operating on a closed registry store
var ErrStoreClosed = errors.New("registry store is closed")

// RegistryRecord the persisted state of one cohort
type RegistryRecord struct {
	// CohortName name of the cohort
	CohortName string `json:"cohort_name"`
	// LocalRegistration the local server's registration, if any
	LocalRegistration *common.MemberRegistration `json:"local_registration,omitempty"`
	// RemoteRegistrations remote registrations keyed by metadata collection ID
	RemoteRegistrations map[string]common.MemberRegistration `json:"remote_registrations"`
}

// RegistryStore durable record of the local and remote registrations of one cohort
type RegistryStore interface {
	// RetrieveLocalRegistration fetch the local registration. Nil if none is stored.
	RetrieveLocalRegistration(ctxt context.Context) (*common.MemberRegistration, error)
	// SaveLocalRegistration record the local registration. Saving nil is a no-op.
	SaveLocalRegistration(ctxt context.Context, registration *common.MemberRegistration) error
	// RetrieveRemoteRegistration fetch one remote registration. Nil if unknown.
	RetrieveRemoteRegistration(
		ctxt context.Context, metadataCollectionID string,
	) (*common.MemberRegistration, error)
	// RetrieveRemoteRegistrations fetch all remote registrations, ordered by
	// metadata collection ID
	RetrieveRemoteRegistrations(ctxt context.Context) ([]common.MemberRegistration, error)
	// SaveRemoteRegistration record a remote registration, replacing any existing one
	// with the same metadata collection ID
	SaveRemoteRegistration(ctxt context.Context, registration common.MemberRegistration) error
	// RemoveRemoteRegistration delete a remote registration. Unknown IDs are ignored.
	RemoveRemoteRegistration(ctxt context.Context, metadataCollectionID string) error
	// RemoveLocalRegistration delete the local registration
	RemoveLocalRegistration(ctxt context.Context) error
	// ClearAllRegistrations delete every registration of the cohort
	ClearAllRegistrations(ctxt context.Context) error
	// Close release the store's resources
	Close(ctxt context.Context) error
}

// DefineRegistryStore build the registry store for a cohort based on config
func DefineRegistryStore(
	ctxt context.Context, cohortName string, config common.RegistryStoreConfig,
) (RegistryStore, error) {
	switch config.Type {
	case "memory":
		return GetMemoryRegistryStore(cohortName)
	case "file":
		return GetFileRegistryStore(cohortName, config.Path)
	case "sqlite":
		return GetSQLiteRegistryStore(ctxt, cohortName, config.Path)
	case "etcd":
		return GetEtcdRegistryStore(
			cohortName, config.EtcdEndpoints, time.Second*time.Duration(config.Timeout),
		)
	default:
		return nil, fmt.Errorf("unsupported registry store type '%s'", config.Type)
	}
}

// checkRemoteRegistration reject registrations which can not be keyed
func checkRemoteRegistration(registration common.MemberRegistration) error {
	if registration.MetadataCollectionID == "" {
		return fmt.Errorf("remote registration has no metadata collection ID")
	}
	return nil
}

// sortedRegistrations list the registrations ordered by metadata collection ID
func sortedRegistrations(
	registrations map[string]common.MemberRegistration,
) []common.MemberRegistration {
	result := make([]common.MemberRegistration, 0, len(registrations))
	for _, registration := range registrations {
		result = append(result, registration.Copy())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MetadataCollectionID < result[j].MetadataCollectionID
	})
	return result
}
