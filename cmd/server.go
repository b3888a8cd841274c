// Copyright 2022 The omrs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/omrs/apis"
	"github.com/alwitt/omrs/cohort"
	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/core"
	"github.com/alwitt/omrs/federation"
	"github.com/alwitt/omrs/initmgr"
	"github.com/alwitt/omrs/metadata"
	"github.com/alwitt/omrs/storage"
	"github.com/alwitt/omrs/topic"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// tracerName instrumentation scope of the federation spans
const tracerName = "github.com/alwitt/omrs/federation"

// topicSubscriberBuffer dispatch queue length of each topic subscription
const topicSubscriberBuffer = 64

// CohortServer the local server's participation in every configured cohort,
// along with the federation layer and the admin API built on top
type CohortServer struct {
	common.Component
	config        *common.SystemConfig
	natsClient    *core.NatsClient
	localID       string
	scheduler     initmgr.Scheduler
	topics        []topic.EventTopic
	registries    []cohort.CohortRegistry
	connectors    map[string]initmgr.Manager
	subscriptions []topic.Subscription
	repository    *metadata.InMemoryRepository
	enterprise    federation.EnterpriseConnector
	responder     federation.RepositoryResponder
}

// DefineCohortServer build the cohort server from config. The NATS client is
// required when any part of the config uses NATS.
func DefineCohortServer(
	ctxt context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) (*CohortServer, error) {
	logTags := log.Fields{
		"module": "cmd", "component": "cohort-server", "instance": instance,
	}
	config.ApplyDefaults()
	if err := validator.New().Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, err
	}
	if config.UsesNATS() && natsClient == nil {
		return nil, fmt.Errorf("config requires a NATS connection")
	}

	server := &CohortServer{
		Component:  common.Component{LogTags: logTags},
		config:     config,
		natsClient: natsClient,
		connectors: map[string]initmgr.Manager{},
		repository: metadata.NewInMemoryRepository(instance),
	}
	if err := server.define(ctxt, instance); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define cohort server")
		if stopErr := server.Stop(ctxt); stopErr != nil {
			log.WithError(stopErr).WithFields(logTags).Error("Partial cleanup failed")
		}
		return nil, err
	}
	return server, nil
}

func (s *CohortServer) define(ctxt context.Context, instance string) error {
	scheduler, err := initmgr.GetScheduler(
		ctxt, fmt.Sprintf("%s-scheduler", instance), s.config.Initialization.SchedulerWorkers,
	)
	if err != nil {
		return err
	}
	s.scheduler = scheduler

	// Registry stores first, the local metadata collection ID may come from them
	stores := make([]storage.RegistryStore, 0, len(s.config.Cohorts))
	for _, cohortCfg := range s.config.Cohorts {
		store, err := storage.DefineRegistryStore(ctxt, cohortCfg.Name, cohortCfg.Store)
		if err != nil {
			closeStores(ctxt, stores)
			return fmt.Errorf("cohort %s registry store: %w", cohortCfg.Name, err)
		}
		stores = append(stores, store)
	}
	localID, err := resolveMetadataCollectionID(
		ctxt, s.config.LocalServer.MetadataCollectionID, stores,
	)
	if err != nil {
		closeStores(ctxt, stores)
		return err
	}
	s.localID = localID
	log.WithFields(s.LogTags).Infof("Local metadata collection ID %s", localID)

	// Federation
	var factory federation.ConnectorFactory = federation.ConnectorFactoryFunc(
		func(common.MemberRegistration) (federation.RepositoryConnector, error) {
			return nil, federation.ErrNoRepository
		},
	)
	if s.natsClient != nil {
		factory = federation.NewNATSConnectorFactory(s.natsClient.NATs())
	}
	enterpriseParam := federation.EnterpriseParam{
		Factory:       factory,
		MemberTimeout: time.Millisecond * time.Duration(s.config.Federation.MemberTimeout),
		Tracer:        otel.Tracer(tracerName),
	}
	if s.config.Federation.IncludeLocal {
		enterpriseParam.Local = federation.NewLocalConnector(localID, s.repository)
	}
	if s.enterprise, err = federation.GetEnterpriseConnector(enterpriseParam); err != nil {
		closeStores(ctxt, stores)
		return err
	}
	exposeRepository := s.natsClient != nil && s.config.LocalServer.RepositoryProtocol == "nats"
	if exposeRepository {
		s.responder, err = federation.GetRepositoryResponder(
			s.natsClient.NATs(), s.config.Federation.SubjectPrefix, s.repository,
		)
		if err != nil {
			closeStores(ctxt, stores)
			return err
		}
	}

	// Cohorts
	for idx, cohortCfg := range s.config.Cohorts {
		cohortTopic, err := s.defineTopic(cohortCfg)
		if err != nil {
			closeStores(ctxt, stores[idx:])
			return fmt.Errorf("cohort %s topic: %w", cohortCfg.Name, err)
		}
		s.topics = append(s.topics, cohortTopic)

		param := cohort.RegistryParam{
			Cohort:                cohortCfg.Name,
			LocalServer:           s.config.LocalServer,
			MetadataCollectionID:  localID,
			Store:                 stores[idx],
			Topic:                 cohortTopic,
			Scheduler:             s.scheduler,
			AnnounceMaxAttempts:   s.config.Initialization.MaxAttempts,
			AnnounceRetryInterval: time.Second * time.Duration(s.config.Initialization.RetryInterval),
			ReannounceInterval:    time.Second * time.Duration(cohortCfg.ReannounceInterval),
			StalenessThreshold:    time.Second * time.Duration(cohortCfg.StalenessThreshold),
			PublishTimeout:        time.Second * time.Duration(cohortCfg.Topic.PublishTimeout),
		}
		if exposeRepository {
			prefix := s.config.Federation.SubjectPrefix
			param.RepositoryConnection = func(id string) *common.ConnectionDescriptor {
				return federation.RepositoryConnection(prefix, id)
			}
		}
		registry, err := cohort.GetCohortRegistry(ctxt, param)
		if err != nil {
			closeStores(ctxt, stores[idx:])
			return fmt.Errorf("cohort %s registry: %w", cohortCfg.Name, err)
		}
		s.registries = append(s.registries, registry)

		s.subscriptions = append(
			s.subscriptions, registry.SubscribeMembershipChanges(s.enterprise.OnMembershipChange),
		)
		if s.config.Federation.SaveReferenceCopies {
			s.subscriptions = append(
				s.subscriptions, registry.SubscribeInstanceEvents(s.saveReferenceCopy),
			)
		}

		if cohortCfg.AutoConnect {
			connector, err := initmgr.GetManager(initmgr.ManagerParam{
				Name:          fmt.Sprintf("connect-%s", cohortCfg.Name),
				Method:        initmgr.InitializationFunc(registry.ConnectToCohort),
				MaxAttempts:   s.config.Initialization.MaxAttempts,
				RetryInterval: time.Second * time.Duration(s.config.Initialization.RetryInterval),
				Scheduler:     s.scheduler,
			})
			if err != nil {
				closeStores(ctxt, stores[idx+1:])
				return err
			}
			s.connectors[cohortCfg.Name] = connector
		}
	}
	return nil
}

// defineTopic build the event topic of one cohort
func (s *CohortServer) defineTopic(cohortCfg common.CohortConfig) (topic.EventTopic, error) {
	dedupTTL := time.Second * time.Duration(cohortCfg.Topic.DedupTTL)
	switch cohortCfg.Topic.Type {
	case "memory":
		return topic.GetInMemoryEventTopic(cohortCfg.Name, topicSubscriberBuffer, dedupTTL)
	case "nats":
		return topic.GetNATSEventTopic(*s.natsClient, topic.NATSTopicParam{
			Cohort:           cohortCfg.Name,
			Stream:           cohortCfg.Topic.Stream,
			SubjectPrefix:    cohortCfg.Topic.SubjectPrefix,
			SubscriberBuffer: topicSubscriberBuffer,
			DedupTTL:         dedupTTL,
			PublishTimeout:   time.Second * time.Duration(cohortCfg.Topic.PublishTimeout),
		})
	default:
		return nil, fmt.Errorf("unsupported topic type '%s'", cohortCfg.Topic.Type)
	}
}

// resolveMetadataCollectionID pick the local metadata collection ID.
//
// The configured ID wins, then the first ID found in the stores. A new ID is
// minted when neither exists. Stores holding a different ID are reported.
func resolveMetadataCollectionID(
	ctxt context.Context, configured string, stores []storage.RegistryStore,
) (string, error) {
	chosen := configured
	for _, store := range stores {
		stored, err := store.RetrieveLocalRegistration(ctxt)
		if err != nil {
			return "", fmt.Errorf("failed to read stored local registration: %w", err)
		}
		if stored == nil {
			continue
		}
		if chosen == "" {
			chosen = stored.MetadataCollectionID
		} else if chosen != stored.MetadataCollectionID {
			log.WithFields(log.Fields{"module": "cmd", "component": "cohort-server"}).Warnf(
				"Stored registration uses metadata collection ID %s instead of %s",
				stored.MetadataCollectionID,
				chosen,
			)
		}
	}
	if chosen == "" {
		chosen = uuid.NewString()
	}
	return chosen, nil
}

func closeStores(ctxt context.Context, stores []storage.RegistryStore) {
	for _, store := range stores {
		if err := store.Close(ctxt); err != nil {
			log.WithError(err).Error("Failed to close registry store")
		}
	}
}

// saveReferenceCopy keep instances announced by other members in the local repository
func (s *CohortServer) saveReferenceCopy(cohortName string, event topic.CohortTopicEvent) {
	instanceEvent, ok := event.(topic.InstanceEvent)
	if !ok {
		return
	}
	instance := instanceEvent.Instance
	if instance.HomeMetadataCollectionID == s.localID {
		return
	}
	switch instanceEvent.Action {
	case topic.InstanceDeleted, topic.InstancePurged:
		if !s.repository.RemoveUnlessNewer(instance) {
			log.WithFields(s.LogTags).Debugf(
				"No reference copy of %s removed for cohort %s",
				instance.GUID,
				cohortName,
			)
		}
	default:
		if _, err := s.repository.Save(instance); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to keep reference copy of %s from cohort %s", instance.GUID, cohortName,
			)
		}
	}
}

// MetadataCollectionID ID of the local metadata collection
func (s *CohortServer) MetadataCollectionID() string {
	return s.localID
}

// Registries the registry of every configured cohort
func (s *CohortServer) Registries() []cohort.CohortRegistry {
	return s.registries
}

// Start serve the local repository and begin connecting to the auto-connect cohorts
func (s *CohortServer) Start(ctxt context.Context) error {
	if s.responder != nil {
		if err := s.responder.Serve(s.localID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to serve local repository")
			return err
		}
	}
	for name, connector := range s.connectors {
		if err := connector.Start(ctxt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to start connecting to %s", name)
			return err
		}
	}
	return nil
}

// Ready whether every auto-connect cohort was joined
func (s *CohortServer) Ready(_ context.Context) error {
	for name, connector := range s.connectors {
		state := connector.State()
		if state == initmgr.StateSucceeded {
			continue
		}
		if lastErr := connector.LastError(); lastErr != nil {
			return fmt.Errorf("cohort %s connect %s: %w", name, state, lastErr)
		}
		return fmt.Errorf("cohort %s connect %s", name, state)
	}
	return nil
}

// Stop shut every component down. The cohorts are not left, so the local
// registration stays known to the other members.
func (s *CohortServer) Stop(ctxt context.Context) error {
	var errs []error
	for _, connector := range s.connectors {
		if err := connector.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, subscription := range s.subscriptions {
		subscription.Cancel()
	}
	for _, registry := range s.registries {
		if err := registry.Stop(ctxt); err != nil {
			errs = append(errs, fmt.Errorf("cohort %s: %w", registry.Cohort(), err))
		}
	}
	if s.responder != nil {
		if err := s.responder.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.enterprise != nil {
		if err := s.enterprise.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cohortTopic := range s.topics {
		if err := cohortTopic.Close(ctxt); err != nil {
			errs = append(errs, err)
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AdminAPIHandler define the admin REST API over the server's components
func (s *CohortServer) AdminAPIHandler(
	httpCfg *common.HTTPConfig,
) (apis.APIRestCohortAdminHandler, error) {
	return apis.GetAPIRestCohortAdminHandler(apis.CohortAdminParam{
		Registries:           s.registries,
		Enterprise:           s.enterprise,
		Federation:           s.config.Federation,
		Repository:           s.repository,
		MetadataCollectionID: s.localID,
		Readiness:            s.Ready,
		HTTPConfig:           httpCfg,
	})
}

// ============================================================================

// buildAdminServer define the HTTP server of the admin API
func buildAdminServer(
	config *common.ManagementServerConfig, httpHandler apis.APIRestCohortAdminHandler,
) *http.Server {
	router := mux.NewRouter()
	_ = apis.BuildCohortAdminRouter(router, config.Endpoints.PathPrefix, httpHandler)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.HTTPSetting.Server
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}

// RunCohortServer run the cohort server until the runtime context ends
func RunCohortServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module": "cmd", "component": "cohort-server", "instance": instance,
	}

	server, err := DefineCohortServer(runtimeContext, config, instance, natsClient)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during cohort server shutdown")
		}
	}()

	if err := server.Start(runtimeContext); err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.Management != nil {
		httpHandler, err := server.AdminAPIHandler(&config.Management.HTTPSetting)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
			return err
		}
		httpSrv = buildAdminServer(config.Management, httpHandler)

		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("HTTP Server Failure")
			}
		}()

		log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)
	}

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
