package cohort

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/initmgr"
	"github.com/alwitt/omrs/topic"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ===============================================================================
// Event loop requests

type connectRequest struct {
	resultCB func(*common.MemberRegistration, error)
}

// announcedRequest the local registration of a connection was announced
type announcedRequest struct {
	generation uint64
}

type topicEventRequest struct {
	event topic.CohortTopicEvent
}

type refreshStartRequest struct {
	resultCB func(*common.MemberRegistration, uint64, error)
}

type refreshDoneRequest struct {
	generation uint64
	// announced whether the refreshed registration was published
	announced bool
}

type leaveStartRequest struct {
	resultCB func(*common.MemberRegistration, error)
}

type leaveFinishRequest struct {
	resultCB func(error)
}

type clearRequest struct {
	resultCB func(error)
}

type shutdownRequest struct {
	resultCB func(error)
}

// ===============================================================================
// Connect

func (r *cohortRegistryImpl) processConnectRequest(param interface{}) error {
	request, ok := param.(connectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for connect", param)
	}
	local, err := r.connect()
	if err != nil {
		r.recordError(err)
	}
	r.updateSnapshot()
	request.resultCB(local, err)
	return err
}

func (r *cohortRegistryImpl) connect() (*common.MemberRegistration, error) {
	switch state := r.machine.Current(); {
	case state.Connected():
		local := r.local.Copy()
		return &local, nil
	case state == StateUnregistering:
		return nil, fmt.Errorf("still leaving cohort %s", r.param.Cohort)
	}
	if err := r.machine.Transition(StateRegistering); err != nil {
		return nil, err
	}

	stored, err := r.param.Store.RetrieveLocalRegistration(r.ctxt)
	if err != nil {
		return nil, r.abortConnect(fmt.Errorf("failed to read stored local registration: %w", err))
	}
	local := r.buildLocalRegistration(stored)
	if err := r.param.Store.SaveLocalRegistration(r.ctxt, &local); err != nil {
		return nil, r.abortConnect(fmt.Errorf("failed to persist local registration: %w", err))
	}
	remotes, err := r.param.Store.RetrieveRemoteRegistrations(r.ctxt)
	if err != nil {
		return nil, r.abortConnect(fmt.Errorf("failed to read stored remote registrations: %w", err))
	}

	r.local = &local
	r.view.SetLocal(&local)
	now := time.Now().UTC()
	for idx := range remotes {
		result := r.view.ApplyRegistration(&remotes[idx], KindStored, now)
		if result.Outcome == OutcomeAdded {
			r.notifyChange(MemberAdded, nil, result.After)
		}
	}

	sub, err := r.param.Topic.Subscribe(r.ctxt, topic.ListenerFunc(r.onTopicEvent))
	if err != nil {
		r.view.Clear()
		r.view.SetLocal(nil)
		r.local = nil
		return nil, r.abortConnect(fmt.Errorf("failed to subscribe to cohort topic: %w", err))
	}
	r.topicSub = sub
	r.generation++

	if err := r.startAnnouncer(local, r.generation); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start announcing registration")
		r.recordError(err)
	}
	if r.reannounce != nil {
		if err := r.reannounce.Start(r.param.ReannounceInterval, r.reannounceLocal); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unable to start re-announcements")
		}
	}

	dup := local.Copy()
	return &dup, nil
}

// abortConnect return to NotRegistered after a failed connect
func (r *cohortRegistryImpl) abortConnect(err error) error {
	if tErr := r.machine.Transition(StateNotRegistered); tErr != nil {
		log.WithError(tErr).WithFields(r.LogTags).Error("Unable to abort connect")
	}
	return err
}

// buildLocalRegistration define the local registration, keeping the metadata
// collection ID of an earlier registration
func (r *cohortRegistryImpl) buildLocalRegistration(
	stored *common.MemberRegistration,
) common.MemberRegistration {
	configured := r.param.MetadataCollectionID
	if configured == "" {
		configured = r.param.LocalServer.MetadataCollectionID
	}
	id := configured
	switch {
	case stored != nil && stored.MetadataCollectionID != "":
		id = stored.MetadataCollectionID
		if configured != "" && configured != id {
			log.WithFields(r.LogTags).Warnf(
				"Keeping stored metadata collection ID %s instead of %s", id, configured,
			)
		}
	case r.lastLocalID != "":
		id = r.lastLocalID
	case id == "":
		id = uuid.New().String()
		log.WithFields(r.LogTags).Infof("Minted metadata collection ID %s", id)
	}

	local := common.MemberRegistration{
		MetadataCollectionID:   id,
		MetadataCollectionName: r.param.LocalServer.MetadataCollectionName,
		ServerName:             r.param.LocalServer.ServerName,
		ServerType:             r.param.LocalServer.ServerType,
		OrganizationName:       r.param.LocalServer.OrganizationName,
		RegistrationTime:       time.Now().UTC(),
	}
	if r.param.RepositoryConnection != nil {
		local.RepositoryConnection = r.param.RepositoryConnection(id)
	} else if r.param.LocalServer.RepositoryEndpoint != "" {
		local.RepositoryConnection = &common.ConnectionDescriptor{
			Protocol: r.param.LocalServer.RepositoryProtocol,
			Endpoint: r.param.LocalServer.RepositoryEndpoint,
		}
	}
	return local
}

// startAnnouncer announce the local registration in the background, retrying
// until it is published
func (r *cohortRegistryImpl) startAnnouncer(
	local common.MemberRegistration, generation uint64,
) error {
	registration := topic.NewRegistrationEvent(local.MetadataCollectionID, &local)
	refresh := topic.NewRefreshRequestEvent(local.MetadataCollectionID)
	registered := false
	announcer, err := initmgr.GetManager(initmgr.ManagerParam{
		Name: fmt.Sprintf("cohort-%s-announce", r.param.Cohort),
		Method: initmgr.InitializationFunc(func(ctxt context.Context) error {
			if !registered {
				if err := r.publish(ctxt, registration); err != nil {
					r.recordError(err)
					return err
				}
				registered = true
			}
			if err := r.publish(ctxt, refresh); err != nil {
				r.recordError(err)
				return err
			}
			if err := r.tp.Submit(ctxt, announcedRequest{generation: generation}); err != nil {
				return initmgr.Fatal(err)
			}
			return nil
		}),
		MaxAttempts:   r.param.AnnounceMaxAttempts,
		RetryInterval: r.param.AnnounceRetryInterval,
		Scheduler:     r.param.Scheduler,
	})
	if err != nil {
		return err
	}
	r.announcer = announcer
	return announcer.Start(r.ctxt)
}

func (r *cohortRegistryImpl) processAnnouncedRequest(param interface{}) error {
	request, ok := param.(announcedRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for announced", param)
	}
	defer r.updateSnapshot()
	if request.generation != r.generation || r.machine.Current() != StateRegistering {
		return nil
	}
	log.WithFields(r.LogTags).Info("Local registration announced")
	return r.machine.Transition(StateRegistered)
}

// reannounceLocal periodic re-announcement, called from the interval timer
func (r *cohortRegistryImpl) reannounceLocal() error {
	r.snapLock.RLock()
	state := r.snapshot.state
	local := r.snapshot.local
	r.snapLock.RUnlock()
	if state != StateRegistered || local == nil {
		return nil
	}
	return r.publish(r.ctxt, topic.NewReregistrationEvent(local.MetadataCollectionID, local))
}

// ===============================================================================
// Topic events

// onTopicEvent hand an event from the cohort topic to the event loop
func (r *cohortRegistryImpl) onTopicEvent(ctxt context.Context, event topic.CohortTopicEvent) error {
	return r.tp.Submit(ctxt, topicEventRequest{event: event})
}

func (r *cohortRegistryImpl) processTopicEventRequest(param interface{}) error {
	request, ok := param.(topicEventRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for topic event", param)
	}
	if !r.machine.Current().Connected() || r.local == nil {
		return nil
	}
	defer r.updateSnapshot()
	localID := r.local.MetadataCollectionID
	now := time.Now().UTC()

	switch event := request.event.(type) {
	case topic.RegistrationEvent:
		r.applyRemoteRegistration(event.Originator(), event.Registration, KindRegistration, now)
	case topic.ReregistrationEvent:
		r.applyRemoteRegistration(event.Originator(), event.Registration, KindReregistration, now)
	case topic.RefreshRequestEvent:
		if event.Originator() == localID {
			return nil
		}
		log.WithFields(r.LogTags).Debugf("Refresh requested by %s", event.Originator())
		r.publishInBackground(topic.NewReregistrationEvent(localID, r.local))
	case topic.UnRegistrationEvent:
		if event.Originator() == localID {
			return nil
		}
		removed := r.view.ApplyUnRegistration(event.Originator())
		if removed == nil {
			return nil
		}
		log.WithFields(r.LogTags).Infof("Member %s left", removed.String())
		if err := r.param.Store.RemoveRemoteRegistration(r.ctxt, removed.MetadataCollectionID); err != nil {
			r.persistFailed(err)
		}
		r.notifyChange(MemberRemoved, removed, nil)
	case topic.TypeDefEvent, topic.InstanceEvent:
		if request.event.Originator() == localID {
			return nil
		}
		r.instanceEvents.notify(instanceNotification{event: request.event})
	default:
		log.WithFields(r.LogTags).Warnf("Ignoring unsupported event %T", request.event)
	}
	return nil
}

// applyRemoteRegistration apply a registration heard from the topic
func (r *cohortRegistryImpl) applyRemoteRegistration(
	originator string,
	registration *common.MemberRegistration,
	kind RegistrationKind,
	now time.Time,
) {
	if registration != nil && registration.MetadataCollectionID != originator {
		r.anomalies.record(r.LogTags, Anomaly{
			Class:                AnomalyInvalidRegistration,
			MetadataCollectionID: registration.MetadataCollectionID,
			ConflictsWith:        originator,
			ServerName:           registration.ServerName,
			Detail: fmt.Sprintf(
				"Dropped %s for %s sent by %s",
				kind,
				registration.MetadataCollectionID,
				originator,
			),
			DetectedAt: now,
		})
		return
	}
	result := r.view.ApplyRegistration(registration, kind, now)
	r.anomalies.record(r.LogTags, result.Anomalies...)
	if !result.Outcome.Changed() {
		return
	}
	if err := r.param.Store.SaveRemoteRegistration(r.ctxt, *result.After); err != nil {
		r.persistFailed(err)
	}
	if result.Outcome == OutcomeAdded {
		log.WithFields(r.LogTags).Infof("Member %s joined", result.After.String())
		r.notifyChange(MemberAdded, nil, result.After)
	} else {
		log.WithFields(r.LogTags).Debugf("Member %s updated", result.After.String())
		r.notifyChange(MemberUpdated, result.Before, result.After)
	}
}

// persistFailed surface a registry store failure
func (r *cohortRegistryImpl) persistFailed(err error) {
	err = fmt.Errorf("registry store update failed: %w", err)
	log.WithError(err).WithFields(r.LogTags).Error("Cohort membership no longer persisted")
	r.recordError(err)
}

func (r *cohortRegistryImpl) notifyChange(
	kind MembershipChangeKind, before, after *common.MemberRegistration,
) {
	r.membership.notify(MembershipChange{
		Cohort: r.param.Cohort, Kind: kind, Before: before, After: after,
	})
}

// ===============================================================================
// Refresh

func (r *cohortRegistryImpl) processRefreshStartRequest(param interface{}) error {
	request, ok := param.(refreshStartRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for refresh", param)
	}
	refreshed, err := r.startRefresh()
	r.updateSnapshot()
	request.resultCB(refreshed, r.generation, err)
	return err
}

// startRefresh move to Refreshing with a new registration time
func (r *cohortRegistryImpl) startRefresh() (*common.MemberRegistration, error) {
	switch r.machine.Current() {
	case StateRegistered:
	case StateRegistering:
		return nil, fmt.Errorf("local registration is still being announced")
	case StateRefreshing:
		return nil, fmt.Errorf("refresh already in progress")
	default:
		return nil, ErrNotConnected
	}
	if err := r.machine.Transition(StateRefreshing); err != nil {
		return nil, err
	}
	refreshed := r.local.Copy()
	refreshed.RegistrationTime = time.Now().UTC()
	if err := r.param.Store.SaveLocalRegistration(r.ctxt, &refreshed); err != nil {
		err = fmt.Errorf("failed to persist local registration: %w", err)
		r.recordError(err)
		if tErr := r.machine.Transition(StateRegistered); tErr != nil {
			log.WithError(tErr).WithFields(r.LogTags).Error("Unable to end refresh")
		}
		return nil, err
	}
	r.local = &refreshed
	r.view.SetLocal(&refreshed)
	dup := refreshed.Copy()
	return &dup, nil
}

func (r *cohortRegistryImpl) processRefreshDoneRequest(param interface{}) error {
	request, ok := param.(refreshDoneRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for refresh done", param)
	}
	defer r.updateSnapshot()
	if request.generation != r.generation || r.machine.Current() != StateRefreshing {
		return nil
	}
	if r.reannounce != nil && request.announced {
		// The refresh announced the local registration
		r.reannounce.Postpone()
	}
	return r.machine.Transition(StateRegistered)
}

// ===============================================================================
// Leave

func (r *cohortRegistryImpl) processLeaveStartRequest(param interface{}) error {
	request, ok := param.(leaveStartRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for leave", param)
	}
	local, err := r.startLeave()
	r.updateSnapshot()
	request.resultCB(local, err)
	return err
}

// startLeave move to Unregistering. Returns nil if not connected.
func (r *cohortRegistryImpl) startLeave() (*common.MemberRegistration, error) {
	if r.machine.Current() == StateNotRegistered {
		return nil, nil
	}
	if err := r.machine.Transition(StateUnregistering); err != nil {
		return nil, err
	}
	r.stopBackgroundWork()
	local := r.local.Copy()
	return &local, nil
}

func (r *cohortRegistryImpl) processLeaveFinishRequest(param interface{}) error {
	request, ok := param.(leaveFinishRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for leave finish", param)
	}
	err := r.finishLeave()
	r.updateSnapshot()
	request.resultCB(err)
	return err
}

// finishLeave stop listening and drop the local registration
func (r *cohortRegistryImpl) finishLeave() error {
	if r.machine.Current() != StateUnregistering {
		return nil
	}
	if r.topicSub != nil {
		r.topicSub.Cancel()
		r.topicSub = nil
	}
	var storeErr error
	if err := r.param.Store.RemoveLocalRegistration(r.ctxt); err != nil {
		storeErr = fmt.Errorf("failed to remove local registration: %w", err)
		r.recordError(storeErr)
	}
	for _, removed := range r.view.Clear() {
		dup := removed
		r.notifyChange(MemberRemoved, &dup, nil)
	}
	r.lastLocalID = r.local.MetadataCollectionID
	r.local = nil
	r.view.SetLocal(nil)
	if err := r.machine.Transition(StateNotRegistered); err != nil {
		return err
	}
	return storeErr
}

// stopBackgroundWork stop announcing the local registration
func (r *cohortRegistryImpl) stopBackgroundWork() {
	if r.announcer != nil {
		if err := r.announcer.Stop(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to stop announcer")
		}
	}
	if r.reannounce != nil {
		if err := r.reannounce.Stop(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to stop re-announcements")
		}
	}
}

// ===============================================================================
// Administration

func (r *cohortRegistryImpl) processClearRequest(param interface{}) error {
	request, ok := param.(clearRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for clear", param)
	}
	err := r.clearRegistrations()
	if err != nil {
		r.recordError(err)
	}
	r.updateSnapshot()
	request.resultCB(err)
	return err
}

// clearRegistrations empty the store, keeping the local registration while connected
func (r *cohortRegistryImpl) clearRegistrations() error {
	if err := r.param.Store.ClearAllRegistrations(r.ctxt); err != nil {
		return fmt.Errorf("failed to clear registry store: %w", err)
	}
	for _, removed := range r.view.Clear() {
		dup := removed
		r.notifyChange(MemberRemoved, &dup, nil)
	}
	if r.local != nil {
		if err := r.param.Store.SaveLocalRegistration(r.ctxt, r.local); err != nil {
			return fmt.Errorf("failed to restore local registration: %w", err)
		}
	}
	return nil
}

func (r *cohortRegistryImpl) processShutdownRequest(param interface{}) error {
	request, ok := param.(shutdownRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for shutdown", param)
	}
	r.stopBackgroundWork()
	if r.topicSub != nil {
		r.topicSub.Cancel()
		r.topicSub = nil
	}
	request.resultCB(nil)
	return nil
}

// updateSnapshot publish the loop owned state to readers
func (r *cohortRegistryImpl) updateSnapshot() {
	snapshot := registrySnapshot{
		state:     r.machine.Current(),
		members:   r.view.Members(),
		announcer: r.announcer,
	}
	if r.local != nil {
		local := r.local.Copy()
		snapshot.local = &local
	}
	r.snapLock.Lock()
	defer r.snapLock.Unlock()
	r.snapshot = snapshot
}
