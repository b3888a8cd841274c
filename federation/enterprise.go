package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/omrs/cohort"
	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/metadata"
	"github.com/apex/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Federation errors
var (
	// ErrNoMembers no member is in scope of the request
	ErrNoMembers = errors.New("no cohort members in scope")
	// ErrAllMembersFailed every member in scope failed
	ErrAllMembersFailed = errors.New("every cohort member failed")
	// ErrMemberRemoved the member left the cohort during the request
	ErrMemberRemoved = errors.New("member left the cohort")
	// ErrPartialResult some members failed while strict consistency was requested
	ErrPartialResult = errors.New("members failed under strict consistency")
)

// Span names and attributes
const (
	spanExecute      = "federation.execute"
	spanMember       = "federation.member"
	attrOperation    = "omrs.operation"
	attrMember       = "omrs.metadata_collection_id"
	attrMemberCount  = "omrs.member_count"
	attrInstances    = "omrs.instance_count"
	attrFailureCount = "omrs.failure_count"
)

// ScopeFilter selects which members take part in a request
type ScopeFilter struct {
	// Include only these members. Empty includes every member.
	Include []string `json:"include,omitempty"`
	// Exclude these members
	Exclude []string `json:"exclude,omitempty"`
}

// Allows whether the member is in scope
func (f ScopeFilter) Allows(metadataCollectionID string) bool {
	for _, excluded := range f.Exclude {
		if excluded == metadataCollectionID {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, included := range f.Include {
		if included == metadataCollectionID {
			return true
		}
	}
	return false
}

// Options of one federated request
type Options struct {
	// Strict fail the request if any member fails
	Strict bool
	// Verbose report the failed members in the result
	Verbose bool
	// MemberTimeout limit on each member's reply. Zero uses the default.
	MemberTimeout time.Duration
}

// MemberFailure one member which failed a request
type MemberFailure struct {
	MetadataCollectionID string `json:"metadata_collection_id"`
	Error                string `json:"error"`
}

// FederatedResult merged result of a federated request
type FederatedResult struct {
	// Instances merged instances, ordered by GUID
	Instances []metadata.Instance `json:"instances"`
	// Succeeded members which replied
	Succeeded []string `json:"succeeded"`
	// Failures members which did not reply. Only reported when verbose.
	Failures []MemberFailure `json:"failures,omitempty"`
	// Partial some members in scope did not reply
	Partial bool `json:"partial"`
}

// EnterpriseConnector runs operations across every member of the connected cohorts
type EnterpriseConnector interface {
	// Execute run an operation on every member in scope and merge the results
	Execute(
		ctxt context.Context, op Operation, scope ScopeFilter, opts Options,
	) (*FederatedResult, error)
	// AddMember add or update a member heard in a cohort
	AddMember(cohortName string, registration common.MemberRegistration) error
	// RemoveMember drop a member from a cohort. The member is no longer a target
	// once no cohort lists it.
	RemoveMember(cohortName, metadataCollectionID string)
	// OnMembershipChange apply a cohort membership change
	OnMembershipChange(change cohort.MembershipChange)
	// Members IDs of the current targets, ordered
	Members() []string
	// Close release every connector
	Close() error
}

// EnterpriseParam parameters of an enterprise connector
type EnterpriseParam struct {
	// Factory builds connectors for remote members
	Factory ConnectorFactory
	// Local connector to the local repository, included in every request.
	// Nil leaves the local repository out.
	Local RepositoryConnector
	// MemberTimeout default limit on each member's reply
	MemberTimeout time.Duration
	// Tracer records spans. Nil disables tracing.
	Tracer trace.Tracer
}

// federationTarget a member a request can be sent to
type federationTarget struct {
	connector RepositoryConnector
	endpoint  string
	cohorts   map[string]bool
	// removed closed once the member is no longer a target
	removed chan struct{}
}

// enterpriseConnectorImpl implements EnterpriseConnector
type enterpriseConnectorImpl struct {
	common.Component
	param   EnterpriseParam
	tracer  trace.Tracer
	lock    sync.RWMutex
	targets map[string]*federationTarget
}

// GetEnterpriseConnector define a new enterprise connector
func GetEnterpriseConnector(param EnterpriseParam) (EnterpriseConnector, error) {
	if param.Factory == nil {
		return nil, fmt.Errorf("enterprise connector needs a connector factory")
	}
	if param.MemberTimeout <= 0 {
		return nil, fmt.Errorf("member timeout must be positive")
	}
	tracer := param.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("omrs-federation")
	}
	logTags := log.Fields{
		"module": "federation", "component": "enterprise-connector", "instance": "default",
	}
	return &enterpriseConnectorImpl{
		Component: common.Component{LogTags: logTags},
		param:     param,
		tracer:    tracer,
		targets:   map[string]*federationTarget{},
	}, nil
}

// ===============================================================================
// Membership

func (e *enterpriseConnectorImpl) AddMember(
	cohortName string, registration common.MemberRegistration,
) error {
	id := registration.MetadataCollectionID
	e.lock.Lock()
	defer e.lock.Unlock()
	if existing, ok := e.targets[id]; ok && existing.endpoint == registration.Endpoint() {
		existing.cohorts[cohortName] = true
		return nil
	}
	connector, err := e.param.Factory.NewConnector(registration)
	if err != nil {
		if errors.Is(err, ErrNoRepository) {
			log.WithFields(e.LogTags).Debugf("Member %s exposes no repository", id)
		} else {
			log.WithError(err).WithFields(e.LogTags).Errorf("Unable to connect to member %s", id)
		}
		return err
	}
	cohorts := map[string]bool{cohortName: true}
	if existing, ok := e.targets[id]; ok {
		// Endpoint moved; requests in flight to the old endpoint fail fast
		for name := range existing.cohorts {
			cohorts[name] = true
		}
		e.dropTarget(id, existing)
	}
	e.targets[id] = &federationTarget{
		connector: connector,
		endpoint:  registration.Endpoint(),
		cohorts:   cohorts,
		removed:   make(chan struct{}),
	}
	log.WithFields(e.LogTags).Infof("Federating with member %s", registration.String())
	return nil
}

func (e *enterpriseConnectorImpl) RemoveMember(cohortName, metadataCollectionID string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	target, ok := e.targets[metadataCollectionID]
	if !ok {
		return
	}
	delete(target.cohorts, cohortName)
	if len(target.cohorts) > 0 {
		return
	}
	e.dropTarget(metadataCollectionID, target)
	log.WithFields(e.LogTags).Infof("No longer federating with member %s", metadataCollectionID)
}

// dropTarget remove a target. Caller must hold the lock.
func (e *enterpriseConnectorImpl) dropTarget(id string, target *federationTarget) {
	delete(e.targets, id)
	close(target.removed)
	if err := target.connector.Close(); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Failed to close connector of %s", id)
	}
}

func (e *enterpriseConnectorImpl) OnMembershipChange(change cohort.MembershipChange) {
	switch change.Kind {
	case cohort.MemberAdded, cohort.MemberUpdated:
		if change.After != nil {
			_ = e.AddMember(change.Cohort, *change.After)
		}
	case cohort.MemberRemoved:
		e.RemoveMember(change.Cohort, change.MetadataCollectionID())
	}
}

func (e *enterpriseConnectorImpl) Members() []string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	ids := make([]string, 0, len(e.targets))
	for id := range e.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *enterpriseConnectorImpl) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	for id, target := range e.targets {
		e.dropTarget(id, target)
	}
	return nil
}

// ===============================================================================
// Requests

// memberReply outcome of one member call
type memberReply struct {
	id        string
	instances []metadata.Instance
	err       error
}

func (e *enterpriseConnectorImpl) Execute(
	ctxt context.Context, op Operation, scope ScopeFilter, opts Options,
) (*FederatedResult, error) {
	localLogTags := e.GetLogTagsForContext(ctxt)
	ctxt, span := e.tracer.Start(
		ctxt, spanExecute, trace.WithAttributes(attribute.String(attrOperation, string(op.Name))),
	)
	defer span.End()

	result, err := e.execute(ctxt, span, op, scope, opts)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Federated %s failed", op.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int(attrInstances, len(result.Instances)))
	span.SetStatus(codes.Ok, "")
	log.WithFields(localLogTags).Debugf(
		"Federated %s: %d instance(s) from %d member(s)",
		op.Name,
		len(result.Instances),
		len(result.Succeeded),
	)
	return result, nil
}

func (e *enterpriseConnectorImpl) execute(
	ctxt context.Context, span trace.Span, op Operation, scope ScopeFilter, opts Options,
) (*FederatedResult, error) {
	if _, err := op.Query(); err != nil {
		return nil, err
	}
	timeout := opts.MemberTimeout
	if timeout <= 0 {
		timeout = e.param.MemberTimeout
	}

	// Snapshot the targets; membership changes during the request only affect
	// members which left
	type dispatch struct {
		connector RepositoryConnector
		removed   <-chan struct{}
	}
	targets := []dispatch{}
	if e.param.Local != nil && scope.Allows(e.param.Local.MetadataCollectionID()) {
		targets = append(targets, dispatch{connector: e.param.Local})
	}
	e.lock.RLock()
	for id, target := range e.targets {
		if e.param.Local != nil && id == e.param.Local.MetadataCollectionID() {
			continue
		}
		if scope.Allows(id) {
			targets = append(targets, dispatch{connector: target.connector, removed: target.removed})
		}
	}
	e.lock.RUnlock()
	span.SetAttributes(attribute.Int(attrMemberCount, len(targets)))
	if len(targets) == 0 {
		return nil, ErrNoMembers
	}

	replies := make(chan memberReply, len(targets))
	wg := sync.WaitGroup{}
	for _, target := range targets {
		wg.Add(1)
		go func(target dispatch) {
			defer wg.Done()
			replies <- e.callMember(ctxt, target.connector, target.removed, op, timeout)
		}(target)
	}
	wg.Wait()
	close(replies)

	merged := map[metadata.InstanceKey]metadata.Instance{}
	result := &FederatedResult{Succeeded: []string{}}
	failures := []MemberFailure{}
	for reply := range replies {
		if reply.err != nil {
			failures = append(failures, MemberFailure{MetadataCollectionID: reply.id, Error: reply.err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, reply.id)
		for _, instance := range reply.instances {
			key := instance.Key()
			if known, ok := merged[key]; !ok || instance.Supersedes(known) {
				merged[key] = instance
			}
		}
	}
	sort.Strings(result.Succeeded)
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].MetadataCollectionID < failures[j].MetadataCollectionID
	})
	span.SetAttributes(attribute.Int(attrFailureCount, len(failures)))

	if len(result.Succeeded) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllMembersFailed, describeFailures(failures))
	}
	if opts.Strict && len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrPartialResult, describeFailures(failures))
	}

	result.Instances = make([]metadata.Instance, 0, len(merged))
	for _, instance := range merged {
		result.Instances = append(result.Instances, instance)
	}
	sort.Slice(result.Instances, func(i, j int) bool {
		a, b := result.Instances[i], result.Instances[j]
		if a.GUID != b.GUID {
			return a.GUID < b.GUID
		}
		return a.HomeMetadataCollectionID < b.HomeMetadataCollectionID
	})
	if op.Limit > 0 && len(result.Instances) > op.Limit {
		result.Instances = result.Instances[:op.Limit]
	}
	result.Partial = len(failures) > 0
	if opts.Verbose {
		result.Failures = failures
	}
	return result, nil
}

// callMember run the operation on one member, bounded by the timeout and by
// the member leaving
func (e *enterpriseConnectorImpl) callMember(
	ctxt context.Context,
	connector RepositoryConnector,
	removed <-chan struct{},
	op Operation,
	timeout time.Duration,
) memberReply {
	id := connector.MetadataCollectionID()
	memberCtxt, span := e.tracer.Start(
		ctxt, spanMember, trace.WithAttributes(attribute.String(attrMember, id)),
	)
	defer span.End()
	memberCtxt, cancel := context.WithTimeout(memberCtxt, timeout)
	defer cancel()

	done := make(chan memberReply, 1)
	go func() {
		instances, err := connector.Execute(memberCtxt, op)
		done <- memberReply{id: id, instances: instances, err: err}
	}()

	var reply memberReply
	select {
	case reply = <-done:
	case <-removed:
		reply = memberReply{id: id, err: ErrMemberRemoved}
	case <-memberCtxt.Done():
		reply = memberReply{id: id, err: fmt.Errorf("no reply within %s: %w", timeout, memberCtxt.Err())}
	}
	if reply.err != nil {
		span.RecordError(reply.err)
		span.SetStatus(codes.Error, reply.err.Error())
	} else {
		span.SetAttributes(attribute.Int(attrInstances, len(reply.instances)))
		span.SetStatus(codes.Ok, "")
	}
	return reply
}

func describeFailures(failures []MemberFailure) string {
	desc := ""
	for idx, failure := range failures {
		if idx > 0 {
			desc += "; "
		}
		desc += fmt.Sprintf("%s: %s", failure.MetadataCollectionID, failure.Error)
	}
	return desc
}
