package metadata

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Query selects instances from a repository
type Query struct {
	// Kind restrict to entities or relationships. Empty matches both.
	Kind InstanceKind
	// TypeName restrict to one type. Empty matches every type.
	TypeName string
	// GUID restrict to one instance. Empty matches every instance.
	GUID string
	// Filter property values which must match, see Instance.MatchesFilter
	Filter map[string]string
	// Limit max number of results. Zero or negative is unlimited.
	Limit int
}

// Matches whether the instance is selected by the query
func (q Query) Matches(instance Instance) bool {
	if q.Kind != "" && q.Kind != instance.Kind {
		return false
	}
	if q.TypeName != "" && q.TypeName != instance.TypeName {
		return false
	}
	if q.GUID != "" && q.GUID != instance.GUID {
		return false
	}
	return instance.MatchesFilter(q.Filter)
}

// Repository a source of metadata instances which can be queried
type Repository interface {
	// Find list instances selected by the query, ordered by GUID
	Find(query Query) ([]Instance, error)
}

// InMemoryRepository Repository holding instances in process memory.
//
// It backs the local repository served to the cohort when no external
// repository is attached.
type InMemoryRepository struct {
	common.Component
	lock      sync.RWMutex
	instances map[InstanceKey]Instance
	validate  *validator.Validate
}

// NewInMemoryRepository define a new empty in-memory repository
func NewInMemoryRepository(name string) *InMemoryRepository {
	logTags := log.Fields{
		"module": "metadata", "component": "in-memory-repository", "instance": name,
	}
	return &InMemoryRepository{
		Component: common.Component{LogTags: logTags},
		instances: make(map[InstanceKey]Instance),
		validate:  validator.New(),
	}
}

// Save record an instance. An existing copy is only replaced by one which
// supersedes it. Returns whether the instance was recorded.
func (r *InMemoryRepository) Save(instance Instance) (bool, error) {
	if err := r.validate.Struct(&instance); err != nil {
		return false, fmt.Errorf("invalid instance: %w", err)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.instances[instance.Key()]; ok && !instance.Supersedes(current) {
		log.WithFields(r.LogTags).Debugf("Ignoring stale copy of %s", instance.GUID)
		return false, nil
	}
	r.instances[instance.Key()] = instance
	return true, nil
}

// Remove delete an instance
func (r *InMemoryRepository) Remove(key InstanceKey) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.instances, key)
}

// RemoveUnlessNewer delete the stored copy of an instance, unless that copy
// supersedes the given one. Returns whether a copy was deleted.
func (r *InMemoryRepository) RemoveUnlessNewer(instance Instance) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	current, ok := r.instances[instance.Key()]
	if !ok {
		return false
	}
	if current.Supersedes(instance) {
		log.WithFields(r.LogTags).Debugf("Ignoring stale removal of %s", instance.GUID)
		return false
	}
	delete(r.instances, instance.Key())
	return true
}

// Find list instances selected by the query, ordered by GUID
func (r *InMemoryRepository) Find(query Query) ([]Instance, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := []Instance{}
	for _, instance := range r.instances {
		if query.Matches(instance) {
			result = append(result, instance)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].GUID == result[j].GUID {
			return result[i].HomeMetadataCollectionID < result[j].HomeMetadataCollectionID
		}
		return result[i].GUID < result[j].GUID
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}
