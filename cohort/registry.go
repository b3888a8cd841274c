package cohort

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/initmgr"
	"github.com/alwitt/omrs/metadata"
	"github.com/alwitt/omrs/storage"
	"github.com/alwitt/omrs/topic"
	"github.com/apex/log"
)

// ErrNotConnected the local server is not registered with the cohort
var ErrNotConnected = errors.New("not connected to cohort")

// MemberStatus a remote member as reported by the registry
type MemberStatus struct {
	Registration common.MemberRegistration `json:"registration"`
	// LastHeard when the member was last heard from. Nil if not heard from since
	// it was loaded from the registry store.
	LastHeard *time.Time `json:"last_heard,omitempty"`
	// Stale the member has not been heard from within the staleness threshold
	Stale bool `json:"stale"`
}

// CohortStatus overall state of the local server's participation in a cohort
type CohortStatus struct {
	Cohort            string                     `json:"cohort"`
	State             RegistrationState          `json:"state"`
	LocalRegistration *common.MemberRegistration `json:"local_registration,omitempty"`
	MemberCount       int                        `json:"member_count"`
	// Announcement state of the background announcement of the local registration
	Announcement  initmgr.State `json:"announcement,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime *time.Time    `json:"last_error_time,omitempty"`
	Anomalies     []Anomaly     `json:"anomalies"`
}

// CohortRegistry manages the local server's membership of one cohort
type CohortRegistry interface {
	// Cohort name of the cohort
	Cohort() string
	// ConnectToCohort join the cohort. Does nothing if already connected.
	//
	// The local registration is persisted before returning. Announcing it to the
	// cohort continues in the background until it succeeds.
	ConnectToCohort(ctxt context.Context) error
	// DisconnectFromCohort leave the cohort. Does nothing if not connected.
	DisconnectFromCohort(ctxt context.Context) error
	// RefreshRegistration re-announce the local registration with a new
	// registration time, and ask every member to re-announce
	RefreshRegistration(ctxt context.Context) error
	// GetLocalRegistration the local registration. Nil when not connected.
	GetLocalRegistration() *common.MemberRegistration
	// GetRemoteMembers the known remote members, ordered by metadata collection ID
	GetRemoteMembers() []MemberStatus
	// Status the participation status
	Status() CohortStatus
	// ClearRegistrations drop every stored registration. While connected, the
	// local registration is written back.
	ClearRegistrations(ctxt context.Context) error
	// SubscribeMembershipChanges receive changes to the remote members
	SubscribeMembershipChanges(handler MembershipChangeHandler) topic.Subscription
	// SubscribeInstanceEvents receive type definition and instance events sent
	// by other members
	SubscribeInstanceEvents(handler InstanceEventHandler) topic.Subscription
	// PublishTypeDefEvent announce a type definition change to the cohort
	PublishTypeDefEvent(
		ctxt context.Context, action topic.TypeDefAction, typeDef topic.TypeDefSummary,
	) error
	// PublishInstanceEvent announce an instance change to the cohort
	PublishInstanceEvent(
		ctxt context.Context, action topic.InstanceAction, instance metadata.Instance,
	) error
	// Stop shut the registry down without leaving the cohort
	Stop(ctxt context.Context) error
}

// RegistryParam parameters of a cohort registry
type RegistryParam struct {
	// Cohort name of the cohort
	Cohort string
	// LocalServer description of the local server
	LocalServer common.LocalServerConfig
	// MetadataCollectionID ID to use when the store holds no local registration.
	// Falls back to LocalServer.MetadataCollectionID, then to a new UUID.
	MetadataCollectionID string
	// RepositoryConnection builds the connection descriptor advertised for a
	// metadata collection ID. When nil, LocalServer.RepositoryEndpoint is used.
	RepositoryConnection func(metadataCollectionID string) *common.ConnectionDescriptor
	// Store the registry store. The registry owns it and closes it on Stop.
	Store storage.RegistryStore
	// Topic the cohort event topic
	Topic topic.EventTopic
	// Scheduler runs background publishes and announcement retries
	Scheduler initmgr.Scheduler
	// AnnounceMaxAttempts max attempts at announcing the local registration.
	// Zero or negative is unlimited.
	AnnounceMaxAttempts int
	// AnnounceRetryInterval wait between announcement attempts
	AnnounceRetryInterval time.Duration
	// ReannounceInterval period between re-announcements. Zero disables them.
	ReannounceInterval time.Duration
	// StalenessThreshold age after which a silent member is stale. Zero disables it.
	StalenessThreshold time.Duration
	// PublishTimeout limit on one publish
	PublishTimeout time.Duration
	// MaxAnomalies number of recent anomalies kept for the status report
	MaxAnomalies int
	// NotificationBuffer queue length of each notification handler
	NotificationBuffer int
}

// registrySnapshot copy of the loop owned state, for readers
type registrySnapshot struct {
	state     RegistrationState
	local     *common.MemberRegistration
	members   []MemberEntry
	announcer initmgr.Manager
}

// cohortRegistryImpl implements CohortRegistry. All mutations run on the
// task processor's loop.
type cohortRegistryImpl struct {
	common.Component
	param  RegistryParam
	ctxt   context.Context
	cancel context.CancelFunc
	tp     common.TaskProcessor
	wg     sync.WaitGroup

	// Owned by the event loop
	machine     registrationStateMachine
	view        *MemberView
	local       *common.MemberRegistration
	lastLocalID string
	generation  uint64
	topicSub    topic.Subscription
	announcer   initmgr.Manager
	reannounce  common.IntervalTimer

	snapLock sync.RWMutex
	snapshot registrySnapshot

	errLock   sync.Mutex
	lastErr   error
	lastErrAt time.Time

	anomalies      *anomalyLog
	membership     *notifier
	instanceEvents *notifier
	stopOnce       sync.Once
}

// GetCohortRegistry define a new cohort registry and start its event loop
func GetCohortRegistry(ctxt context.Context, param RegistryParam) (CohortRegistry, error) {
	if param.Cohort == "" {
		return nil, fmt.Errorf("cohort name is required")
	}
	if param.Store == nil || param.Topic == nil || param.Scheduler == nil {
		return nil, fmt.Errorf("cohort registry needs a store, a topic, and a scheduler")
	}
	if param.Topic.Cohort() != param.Cohort {
		return nil, fmt.Errorf(
			"topic serves cohort %s, not %s", param.Topic.Cohort(), param.Cohort,
		)
	}
	if param.AnnounceMaxAttempts == 0 {
		param.AnnounceMaxAttempts = -1
	}
	if param.AnnounceRetryInterval <= 0 {
		param.AnnounceRetryInterval = time.Second * 10
	}
	if param.PublishTimeout <= 0 {
		param.PublishTimeout = time.Second * 5
	}
	if param.MaxAnomalies <= 0 {
		param.MaxAnomalies = 100
	}
	if param.NotificationBuffer <= 0 {
		param.NotificationBuffer = 256
	}

	logTags := log.Fields{
		"module": "cohort", "component": "registry", "instance": param.Cohort,
	}
	instanceName := fmt.Sprintf("cohort-%s", param.Cohort)

	operCtxt, cancel := context.WithCancel(ctxt)
	tp, err := common.GetNewTaskProcessorInstance(operCtxt, instanceName, 64)
	if err != nil {
		cancel()
		return nil, err
	}

	instance := &cohortRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		param:          param,
		ctxt:           operCtxt,
		cancel:         cancel,
		tp:             tp,
		machine:        newRegistrationStateMachine(),
		view:           NewMemberView(nil),
		anomalies:      newAnomalyLog(param.MaxAnomalies),
		membership:     newNotifier(logTags, param.NotificationBuffer),
		instanceEvents: newNotifier(logTags, param.NotificationBuffer),
	}
	instance.snapshot = registrySnapshot{state: StateNotRegistered}

	if param.ReannounceInterval > 0 {
		instance.reannounce, err = common.GetIntervalTimerInstance(
			operCtxt, fmt.Sprintf("%s-reannounce", instanceName), &instance.wg,
		)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	// Define handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(connectRequest{}):      instance.processConnectRequest,
		reflect.TypeOf(announcedRequest{}):    instance.processAnnouncedRequest,
		reflect.TypeOf(topicEventRequest{}):   instance.processTopicEventRequest,
		reflect.TypeOf(refreshStartRequest{}): instance.processRefreshStartRequest,
		reflect.TypeOf(refreshDoneRequest{}):  instance.processRefreshDoneRequest,
		reflect.TypeOf(leaveStartRequest{}):   instance.processLeaveStartRequest,
		reflect.TypeOf(leaveFinishRequest{}):  instance.processLeaveFinishRequest,
		reflect.TypeOf(clearRequest{}):        instance.processClearRequest,
		reflect.TypeOf(shutdownRequest{}):     instance.processShutdownRequest,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(&instance.wg); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

func (r *cohortRegistryImpl) Cohort() string {
	return r.param.Cohort
}

// ===============================================================================
// Public operations

func (r *cohortRegistryImpl) ConnectToCohort(ctxt context.Context) error {
	localLogTags := r.GetLogTagsForContext(ctxt)
	complete := make(chan error, 1)
	var local *common.MemberRegistration
	request := connectRequest{resultCB: func(reg *common.MemberRegistration, err error) {
		local = reg
		complete <- err
	}}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to connect to cohort")
		return err
	}
	log.WithFields(localLogTags).Infof("Connected to cohort as %s", local.String())
	return nil
}

func (r *cohortRegistryImpl) DisconnectFromCohort(ctxt context.Context) error {
	localLogTags := r.GetLogTagsForContext(ctxt)
	complete := make(chan error, 1)
	var local *common.MemberRegistration
	start := leaveStartRequest{resultCB: func(reg *common.MemberRegistration, err error) {
		local = reg
		complete <- err
	}}
	if err := r.submitAndAwait(ctxt, start, complete); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to leave cohort")
		return err
	}
	if local == nil {
		return nil
	}

	publishErr := r.publish(
		ctxt, topic.NewUnRegistrationEvent(local.MetadataCollectionID, local.ServerName),
	)
	if publishErr != nil {
		log.WithError(publishErr).WithFields(localLogTags).Error("Failed to publish un-registration")
	}

	finish := leaveFinishRequest{resultCB: func(err error) { complete <- err }}
	if err := r.submitAndAwait(r.ctxt, finish, complete); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to clear local registration")
		return err
	}
	if publishErr != nil {
		return fmt.Errorf("left cohort without publishing un-registration: %w", publishErr)
	}
	log.WithFields(localLogTags).Info("Left cohort")
	return nil
}

func (r *cohortRegistryImpl) RefreshRegistration(ctxt context.Context) error {
	localLogTags := r.GetLogTagsForContext(ctxt)
	complete := make(chan error, 1)
	var local *common.MemberRegistration
	var generation uint64
	start := refreshStartRequest{resultCB: func(reg *common.MemberRegistration, gen uint64, err error) {
		local = reg
		generation = gen
		complete <- err
	}}
	if err := r.submitAndAwait(ctxt, start, complete); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to refresh registration")
		return err
	}

	publishErr := r.publish(ctxt, topic.NewReregistrationEvent(local.MetadataCollectionID, local))
	if publishErr == nil {
		publishErr = r.publish(ctxt, topic.NewRefreshRequestEvent(local.MetadataCollectionID))
	}
	if publishErr != nil {
		log.WithError(publishErr).WithFields(localLogTags).Error("Failed to publish refresh")
		r.recordError(publishErr)
	}
	if err := r.tp.Submit(
		r.ctxt, refreshDoneRequest{generation: generation, announced: publishErr == nil},
	); err != nil {
		return err
	}
	if publishErr != nil {
		return publishErr
	}
	log.WithFields(localLogTags).Infof("Refreshed registration %s", local.String())
	return nil
}

func (r *cohortRegistryImpl) ClearRegistrations(ctxt context.Context) error {
	complete := make(chan error, 1)
	request := clearRequest{resultCB: func(err error) { complete <- err }}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		log.WithError(err).WithFields(r.GetLogTagsForContext(ctxt)).Error("Failed to clear registrations")
		return err
	}
	log.WithFields(r.GetLogTagsForContext(ctxt)).Info("Cleared stored registrations")
	return nil
}

func (r *cohortRegistryImpl) GetLocalRegistration() *common.MemberRegistration {
	r.snapLock.RLock()
	defer r.snapLock.RUnlock()
	if r.snapshot.local == nil {
		return nil
	}
	local := r.snapshot.local.Copy()
	return &local
}

func (r *cohortRegistryImpl) GetRemoteMembers() []MemberStatus {
	r.snapLock.RLock()
	members := r.snapshot.members
	r.snapLock.RUnlock()

	now := time.Now().UTC()
	result := make([]MemberStatus, 0, len(members))
	for _, entry := range members {
		status := MemberStatus{Registration: entry.Registration.Copy()}
		if entry.LastHeard.IsZero() {
			status.Stale = true
		} else {
			heard := entry.LastHeard
			status.LastHeard = &heard
			if r.param.StalenessThreshold > 0 && now.Sub(heard) > r.param.StalenessThreshold {
				status.Stale = true
			}
		}
		result = append(result, status)
	}
	return result
}

func (r *cohortRegistryImpl) Status() CohortStatus {
	r.snapLock.RLock()
	status := CohortStatus{
		Cohort:      r.param.Cohort,
		State:       r.snapshot.state,
		MemberCount: len(r.snapshot.members),
	}
	if r.snapshot.local != nil {
		local := r.snapshot.local.Copy()
		status.LocalRegistration = &local
	}
	announcer := r.snapshot.announcer
	r.snapLock.RUnlock()

	if announcer != nil {
		status.Announcement = announcer.State()
	}
	r.errLock.Lock()
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
		at := r.lastErrAt
		status.LastErrorTime = &at
	}
	r.errLock.Unlock()
	status.Anomalies = r.anomalies.list()
	return status
}

func (r *cohortRegistryImpl) SubscribeMembershipChanges(
	handler MembershipChangeHandler,
) topic.Subscription {
	return r.membership.subscribe(r.ctxt, func(item interface{}) {
		if change, ok := item.(MembershipChange); ok {
			handler(change)
		}
	})
}

// instanceNotification a type definition or instance event for handlers
type instanceNotification struct {
	event topic.CohortTopicEvent
}

func (r *cohortRegistryImpl) SubscribeInstanceEvents(
	handler InstanceEventHandler,
) topic.Subscription {
	return r.instanceEvents.subscribe(r.ctxt, func(item interface{}) {
		if notification, ok := item.(instanceNotification); ok {
			handler(r.param.Cohort, notification.event)
		}
	})
}

func (r *cohortRegistryImpl) PublishTypeDefEvent(
	ctxt context.Context, action topic.TypeDefAction, typeDef topic.TypeDefSummary,
) error {
	local := r.GetLocalRegistration()
	if local == nil {
		return ErrNotConnected
	}
	return r.publish(ctxt, topic.NewTypeDefEvent(local.MetadataCollectionID, action, typeDef))
}

func (r *cohortRegistryImpl) PublishInstanceEvent(
	ctxt context.Context, action topic.InstanceAction, instance metadata.Instance,
) error {
	local := r.GetLocalRegistration()
	if local == nil {
		return ErrNotConnected
	}
	return r.publish(ctxt, topic.NewInstanceEvent(local.MetadataCollectionID, action, instance))
}

func (r *cohortRegistryImpl) Stop(ctxt context.Context) error {
	var stopErr error
	r.stopOnce.Do(func() {
		complete := make(chan error, 1)
		request := shutdownRequest{resultCB: func(err error) { complete <- err }}
		if err := r.submitAndWait(ctxt, request, complete); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Registry shutdown incomplete")
		}
		if err := r.tp.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to stop event loop")
		}
		r.cancel()
		r.membership.closeAll()
		r.instanceEvents.closeAll()

		stopped := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctxt.Done():
			stopErr = ctxt.Err()
			return
		}
		stopErr = r.param.Store.Close(ctxt)
	})
	return stopErr
}

// ===============================================================================
// Helpers

// submitAndWait submit a request to the event loop and wait for its result
func (r *cohortRegistryImpl) submitAndWait(
	ctxt context.Context, request interface{}, complete chan error,
) error {
	if err := r.tp.Submit(ctxt, request); err != nil {
		return err
	}
	select {
	case err := <-complete:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// submitAndAwait submit a request with the caller's context, then wait for its
// result on the registry's context. Steps that leave the state machine mid
// operation use this, as the caller must always see their result to finish
// the operation.
func (r *cohortRegistryImpl) submitAndAwait(
	ctxt context.Context, request interface{}, complete chan error,
) error {
	if err := r.tp.Submit(ctxt, request); err != nil {
		return err
	}
	select {
	case err := <-complete:
		return err
	case <-r.ctxt.Done():
		return r.ctxt.Err()
	}
}

// publish send an event, bounded by the publish timeout
func (r *cohortRegistryImpl) publish(ctxt context.Context, event topic.CohortTopicEvent) error {
	pubCtxt, cancel := context.WithTimeout(ctxt, r.param.PublishTimeout)
	defer cancel()
	if err := r.param.Topic.Publish(pubCtxt, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.EventType(), err)
	}
	return nil
}

// publishInBackground send an event from the scheduler, off the event loop
func (r *cohortRegistryImpl) publishInBackground(event topic.CohortTopicEvent) {
	_, err := r.param.Scheduler.Schedule(0, func() {
		if err := r.publish(r.ctxt, event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Background publish failed")
		}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to schedule publish of %s", event.EventType(),
		)
	}
}

// recordError keep an error for the status report
func (r *cohortRegistryImpl) recordError(err error) {
	r.errLock.Lock()
	defer r.errLock.Unlock()
	r.lastErr = err
	r.lastErrAt = time.Now().UTC()
}
