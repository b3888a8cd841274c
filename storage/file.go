package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	"github.com/gofrs/flock"
)

// registryDocument the file content: one record per cohort
type registryDocument map[string]*RegistryRecord

// fileRegistryStore RegistryStore persisted as a JSON document on disk.
//
// Several cohorts may share one file. Every operation takes the file lock,
// and every mutation rewrites the whole document through a temp file and
// rename so readers never observe a partial write.
type fileRegistryStore struct {
	common.Component
	cohortName string
	filename   string
	flock      *flock.Flock
	lock       sync.Mutex
	closed     bool
}

// GetFileRegistryStore define a new file backed registry store.
//
// The file is created if absent.
func GetFileRegistryStore(cohortName, filename string) (RegistryStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "file-registry-store", "instance": cohortName,
	}
	if filename == "" {
		return nil, fmt.Errorf("file registry store requires a file path")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to prepare directory for %s", filename)
		return nil, err
	}
	instance := &fileRegistryStore{
		Component:  common.Component{LogTags: logTags},
		cohortName: cohortName,
		filename:   filename,
		flock:      flock.New(fmt.Sprintf("%s.lock", filename)),
	}
	// Make sure the file exists and is readable
	if err := instance.update(func(_ *RegistryRecord) bool { return false }); err != nil {
		return nil, err
	}
	log.WithFields(logTags).Infof("Registry store backed by %s", filename)
	return instance, nil
}

// load read the document. Caller must hold the file lock.
func (s *fileRegistryStore) load() (registryDocument, error) {
	doc := registryDocument{}
	data, err := os.ReadFile(s.filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry file %s is corrupt: %w", s.filename, err)
	}
	return doc, nil
}

// save atomically replace the document. Caller must hold the file lock.
func (s *fileRegistryStore) save(doc registryDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filename), filepath.Base(s.filename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.filename)
}

// recordOf fetch this cohort's record from the document, creating it if absent
func (s *fileRegistryStore) recordOf(doc registryDocument) *RegistryRecord {
	record, ok := doc[s.cohortName]
	if !ok || record == nil {
		record = &RegistryRecord{CohortName: s.cohortName}
		doc[s.cohortName] = record
	}
	if record.RemoteRegistrations == nil {
		record.RemoteRegistrations = make(map[string]common.MemberRegistration)
	}
	return record
}

// view run a read-only function against this cohort's record
func (s *fileRegistryStore) view(reader func(record *RegistryRecord)) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.flock.RLock(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to lock %s", s.filename)
		return err
	}
	defer func() {
		_ = s.flock.Unlock()
	}()
	doc, err := s.load()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to read %s", s.filename)
		return err
	}
	reader(s.recordOf(doc))
	return nil
}

// update run a mutation against this cohort's record, and persist the result
// if the mutation reports a change
func (s *fileRegistryStore) update(mutate func(record *RegistryRecord) bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.flock.Lock(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to lock %s", s.filename)
		return err
	}
	defer func() {
		_ = s.flock.Unlock()
	}()
	doc, err := s.load()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to read %s", s.filename)
		return err
	}
	_, existed := doc[s.cohortName]
	changed := mutate(s.recordOf(doc))
	if !changed && existed {
		return nil
	}
	if err := s.save(doc); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to write %s", s.filename)
		return err
	}
	return nil
}

func (s *fileRegistryStore) RetrieveLocalRegistration(
	_ context.Context,
) (*common.MemberRegistration, error) {
	var result *common.MemberRegistration
	err := s.view(func(record *RegistryRecord) {
		if record.LocalRegistration != nil {
			dup := record.LocalRegistration.Copy()
			result = &dup
		}
	})
	return result, err
}

func (s *fileRegistryStore) SaveLocalRegistration(
	_ context.Context, registration *common.MemberRegistration,
) error {
	if registration == nil {
		return nil
	}
	return s.update(func(record *RegistryRecord) bool {
		dup := registration.Copy()
		record.LocalRegistration = &dup
		return true
	})
}

func (s *fileRegistryStore) RetrieveRemoteRegistration(
	_ context.Context, metadataCollectionID string,
) (*common.MemberRegistration, error) {
	var result *common.MemberRegistration
	err := s.view(func(record *RegistryRecord) {
		if registration, ok := record.RemoteRegistrations[metadataCollectionID]; ok {
			dup := registration.Copy()
			result = &dup
		}
	})
	return result, err
}

func (s *fileRegistryStore) RetrieveRemoteRegistrations(
	_ context.Context,
) ([]common.MemberRegistration, error) {
	var result []common.MemberRegistration
	err := s.view(func(record *RegistryRecord) {
		result = sortedRegistrations(record.RemoteRegistrations)
	})
	return result, err
}

func (s *fileRegistryStore) SaveRemoteRegistration(
	_ context.Context, registration common.MemberRegistration,
) error {
	if err := checkRemoteRegistration(registration); err != nil {
		return err
	}
	return s.update(func(record *RegistryRecord) bool {
		record.RemoteRegistrations[registration.MetadataCollectionID] = registration.Copy()
		return true
	})
}

func (s *fileRegistryStore) RemoveRemoteRegistration(
	_ context.Context, metadataCollectionID string,
) error {
	return s.update(func(record *RegistryRecord) bool {
		if _, ok := record.RemoteRegistrations[metadataCollectionID]; !ok {
			return false
		}
		delete(record.RemoteRegistrations, metadataCollectionID)
		return true
	})
}

func (s *fileRegistryStore) RemoveLocalRegistration(_ context.Context) error {
	return s.update(func(record *RegistryRecord) bool {
		if record.LocalRegistration == nil {
			return false
		}
		record.LocalRegistration = nil
		return true
	})
}

func (s *fileRegistryStore) ClearAllRegistrations(_ context.Context) error {
	err := s.update(func(record *RegistryRecord) bool {
		record.LocalRegistration = nil
		record.RemoteRegistrations = make(map[string]common.MemberRegistration)
		return true
	})
	if err == nil {
		log.WithFields(s.LogTags).Info("Cleared all registrations")
	}
	return err
}

func (s *fileRegistryStore) Close(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}
