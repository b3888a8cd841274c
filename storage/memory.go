package storage

import (
	"context"
	"sync"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
)

// memoryRegistryStore RegistryStore which only lives in process memory
type memoryRegistryStore struct {
	common.Component
	lock   sync.RWMutex
	record RegistryRecord
	closed bool
}

// GetMemoryRegistryStore define a new in-memory registry store
func GetMemoryRegistryStore(cohortName string) (RegistryStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "memory-registry-store", "instance": cohortName,
	}
	return &memoryRegistryStore{
		Component: common.Component{LogTags: logTags},
		record: RegistryRecord{
			CohortName:          cohortName,
			RemoteRegistrations: make(map[string]common.MemberRegistration),
		},
	}, nil
}

func (s *memoryRegistryStore) RetrieveLocalRegistration(
	_ context.Context,
) (*common.MemberRegistration, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.record.LocalRegistration == nil {
		return nil, nil
	}
	dup := s.record.LocalRegistration.Copy()
	return &dup, nil
}

func (s *memoryRegistryStore) SaveLocalRegistration(
	_ context.Context, registration *common.MemberRegistration,
) error {
	if registration == nil {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	dup := registration.Copy()
	s.record.LocalRegistration = &dup
	return nil
}

func (s *memoryRegistryStore) RetrieveRemoteRegistration(
	_ context.Context, metadataCollectionID string,
) (*common.MemberRegistration, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	registration, ok := s.record.RemoteRegistrations[metadataCollectionID]
	if !ok {
		return nil, nil
	}
	dup := registration.Copy()
	return &dup, nil
}

func (s *memoryRegistryStore) RetrieveRemoteRegistrations(
	_ context.Context,
) ([]common.MemberRegistration, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return sortedRegistrations(s.record.RemoteRegistrations), nil
}

func (s *memoryRegistryStore) SaveRemoteRegistration(
	_ context.Context, registration common.MemberRegistration,
) error {
	if err := checkRemoteRegistration(registration); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.record.RemoteRegistrations[registration.MetadataCollectionID] = registration.Copy()
	return nil
}

func (s *memoryRegistryStore) RemoveRemoteRegistration(
	_ context.Context, metadataCollectionID string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.record.RemoteRegistrations, metadataCollectionID)
	return nil
}

func (s *memoryRegistryStore) RemoveLocalRegistration(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.record.LocalRegistration = nil
	return nil
}

func (s *memoryRegistryStore) ClearAllRegistrations(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.record.LocalRegistration = nil
	s.record.RemoteRegistrations = make(map[string]common.MemberRegistration)
	log.WithFields(s.LogTags).Info("Cleared all registrations")
	return nil
}

func (s *memoryRegistryStore) Close(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}
