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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/alwitt/omrs/cohort"
	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/federation"
	"github.com/alwitt/omrs/metadata"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// CohortStatusResponse response carrying one cohort's status
type CohortStatusResponse struct {
	StandardResponse
	Status cohort.CohortStatus `json:"status"`
}

// CohortListResponse response carrying the status of every cohort
type CohortListResponse struct {
	StandardResponse
	Cohorts []cohort.CohortStatus `json:"cohorts"`
}

// CohortMembersResponse response carrying the remote members of a cohort
type CohortMembersResponse struct {
	StandardResponse
	Local   *common.MemberRegistration `json:"local,omitempty"`
	Members []cohort.MemberStatus      `json:"members"`
}

// FederatedQueryRequest a federated repository request
type FederatedQueryRequest struct {
	// Operation the repository operation to run on every member
	Operation federation.Operation `json:"operation" validate:"required"`
	// Scope limits the members taking part
	Scope federation.ScopeFilter `json:"scope"`
	// Strict overrides the configured consistency mode
	Strict *bool `json:"strict,omitempty"`
	// MemberTimeoutMS overrides the configured member timeout
	MemberTimeoutMS int `json:"member_timeout_ms,omitempty" validate:"gte=0"`
}

// FederatedQueryResponse response to a federated repository request
type FederatedQueryResponse struct {
	StandardResponse
	Result *federation.FederatedResult `json:"result,omitempty"`
}

// FederationMembersResponse response listing the federation targets
type FederationMembersResponse struct {
	StandardResponse
	Members []string `json:"members"`
}

// ReadinessCheck reports whether the server is ready to serve
type ReadinessCheck func(ctxt context.Context) error

// CohortAdminParam parameters of the cohort admin REST handler
type CohortAdminParam struct {
	// Registries one registry per cohort the local server participates in
	Registries []cohort.CohortRegistry
	// Enterprise runs federated requests. Nil disables the federation routes.
	Enterprise federation.EnterpriseConnector
	// Federation defaults applied to federated requests
	Federation common.FederationConfig
	// Repository the local repository. Nil disables the repository routes.
	Repository *metadata.InMemoryRepository
	// MetadataCollectionID ID of the local metadata collection
	MetadataCollectionID string
	// Readiness the readiness check. Nil is always ready.
	Readiness ReadinessCheck
	// HTTPConfig HTTP request logging parameters
	HTTPConfig *common.HTTPConfig
}

// APIRestCohortAdminHandler REST handler for cohort administration
type APIRestCohortAdminHandler struct {
	APIRestHandler
	registries map[string]cohort.CohortRegistry
	enterprise federation.EnterpriseConnector
	federation common.FederationConfig
	repository *metadata.InMemoryRepository
	localID    string
	readiness  ReadinessCheck
	validate   *validator.Validate
}

// GetAPIRestCohortAdminHandler define APIRestCohortAdminHandler
func GetAPIRestCohortAdminHandler(param CohortAdminParam) (APIRestCohortAdminHandler, error) {
	logTags := log.Fields{
		"module": "rest", "component": "cohort-admin",
	}
	registries := map[string]cohort.CohortRegistry{}
	for _, registry := range param.Registries {
		if registry == nil {
			return APIRestCohortAdminHandler{}, fmt.Errorf("nil cohort registry")
		}
		if _, ok := registries[registry.Cohort()]; ok {
			return APIRestCohortAdminHandler{}, fmt.Errorf(
				"cohort %s listed more than once", registry.Cohort(),
			)
		}
		registries[registry.Cohort()] = registry
	}
	return APIRestCohortAdminHandler{
		APIRestHandler: newAPIRestHandler(logTags, param.HTTPConfig),
		registries:     registries,
		enterprise:     param.Enterprise,
		federation:     param.Federation,
		repository:     param.Repository,
		localID:        param.MetadataCollectionID,
		readiness:      param.Readiness,
		validate:       validator.New(),
	}, nil
}

// cohortErrorCode HTTP status matching a cohort registry error
func cohortErrorCode(err error) int {
	switch {
	case errors.Is(err, cohort.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// federationErrorCode HTTP status matching a federation error
func federationErrorCode(err error) int {
	switch {
	case errors.Is(err, federation.ErrNoMembers):
		return http.StatusNotFound
	case errors.Is(err, federation.ErrAllMembersFailed), errors.Is(err, federation.ErrPartialResult):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// lookupRegistry find the registry named by the "cohortName" path variable
func (h APIRestCohortAdminHandler) lookupRegistry(r *http.Request) (cohort.CohortRegistry, string) {
	cohortName := mux.Vars(r)["cohortName"]
	return h.registries[cohortName], cohortName
}

// -----------------------------------------------------------------------

// ListCohorts godoc
// @Summary List cohorts
// @Description Report the participation status of every cohort
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} CohortListResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/cohort [get]
func (h APIRestCohortAdminHandler) ListCohorts(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	names := make([]string, 0, len(h.registries))
	for name := range h.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := CohortListResponse{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Cohorts:          make([]cohort.CohortStatus, 0, len(names)),
	}
	for _, name := range names {
		resp.Cohorts = append(resp.Cohorts, h.registries[name].Status())
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListCohortsHandler Wrapper around ListCohorts
func (h APIRestCohortAdminHandler) ListCohortsHandler() http.HandlerFunc {
	return h.AttachRequestID(h.ListCohorts)
}

// -----------------------------------------------------------------------

// cohortAction run one registry action then report the cohort status
func (h APIRestCohortAdminHandler) cohortAction(
	w http.ResponseWriter,
	r *http.Request,
	actionName string,
	action func(ctxt context.Context, registry cohort.CohortRegistry) error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	registry, cohortName := h.lookupRegistry(r)
	if registry == nil {
		msg := fmt.Sprintf("unknown cohort '%s'", cohortName)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, "")
		return
	}

	if err := action(r.Context(), registry); err != nil {
		msg := fmt.Sprintf("%s of cohort %s failed", actionName, cohortName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = cohortErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = CohortStatusResponse{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Status: registry.Status(),
	}
}

// ConnectCohort godoc
// @Summary Connect to cohort
// @Description Register the local server with a cohort. Announcing the registration
// continues in the background.
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param cohortName path string true "Cohort name"
// @Success 200 {object} CohortStatusResponse "success"
// @Failure 404 {object} StandardResponse "unknown cohort"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/cohort/{cohortName}/connect [post]
func (h APIRestCohortAdminHandler) ConnectCohort(w http.ResponseWriter, r *http.Request) {
	h.cohortAction(w, r, "connect", func(ctxt context.Context, registry cohort.CohortRegistry) error {
		return registry.ConnectToCohort(ctxt)
	})
}

// ConnectCohortHandler Wrapper around ConnectCohort
func (h APIRestCohortAdminHandler) ConnectCohortHandler() http.HandlerFunc {
	return h.AttachRequestID(h.ConnectCohort)
}

// DisconnectCohort godoc
// @Summary Disconnect from cohort
// @Description Un-register the local server from a cohort
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param cohortName path string true "Cohort name"
// @Success 200 {object} CohortStatusResponse "success"
// @Failure 404 {object} StandardResponse "unknown cohort"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/cohort/{cohortName}/disconnect [post]
func (h APIRestCohortAdminHandler) DisconnectCohort(w http.ResponseWriter, r *http.Request) {
	h.cohortAction(w, r, "disconnect", func(ctxt context.Context, registry cohort.CohortRegistry) error {
		return registry.DisconnectFromCohort(ctxt)
	})
}

// DisconnectCohortHandler Wrapper around DisconnectCohort
func (h APIRestCohortAdminHandler) DisconnectCohortHandler() http.HandlerFunc {
	return h.AttachRequestID(h.DisconnectCohort)
}

// RefreshRegistration godoc
// @Summary Refresh local registration
// @Description Re-announce the local registration, and ask every member to re-announce
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param cohortName path string true "Cohort name"
// @Success 200 {object} CohortStatusResponse "success"
// @Failure 404 {object} StandardResponse "unknown cohort"
// @Failure 409 {object} StandardResponse "not connected"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/cohort/{cohortName}/refresh [post]
func (h APIRestCohortAdminHandler) RefreshRegistration(w http.ResponseWriter, r *http.Request) {
	h.cohortAction(w, r, "refresh", func(ctxt context.Context, registry cohort.CohortRegistry) error {
		return registry.RefreshRegistration(ctxt)
	})
}

// RefreshRegistrationHandler Wrapper around RefreshRegistration
func (h APIRestCohortAdminHandler) RefreshRegistrationHandler() http.HandlerFunc {
	return h.AttachRequestID(h.RefreshRegistration)
}

// ClearRegistrations godoc
// @Summary Clear stored registrations
// @Description Drop every registration stored for a cohort. While connected, the
// local registration is kept.
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param cohortName path string true "Cohort name"
// @Success 200 {object} CohortStatusResponse "success"
// @Failure 404 {object} StandardResponse "unknown cohort"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/cohort/{cohortName}/registrations [delete]
func (h APIRestCohortAdminHandler) ClearRegistrations(w http.ResponseWriter, r *http.Request) {
	h.cohortAction(w, r, "clear", func(ctxt context.Context, registry cohort.CohortRegistry) error {
		return registry.ClearRegistrations(ctxt)
	})
}

// ClearRegistrationsHandler Wrapper around ClearRegistrations
func (h APIRestCohortAdminHandler) ClearRegistrationsHandler() http.HandlerFunc {
	return h.AttachRequestID(h.ClearRegistrations)
}

// CohortStatus godoc
// @Summary Cohort status
// @Description Report the participation state, last error and recent anomalies of a cohort
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param cohortName path string true "Cohort name"
// @Success 200 {object} CohortStatusResponse "success"
// @Failure 404 {object} StandardResponse "unknown cohort"
// @Router /v1/cohort/{cohortName}/status [get]
func (h APIRestCohortAdminHandler) CohortStatus(w http.ResponseWriter, r *http.Request) {
	h.cohortAction(w, r, "status", func(context.Context, cohort.CohortRegistry) error {
		return nil
	})
}

// CohortStatusHandler Wrapper around CohortStatus
func (h APIRestCohortAdminHandler) CohortStatusHandler() http.HandlerFunc {
	return h.AttachRequestID(h.CohortStatus)
}

// -----------------------------------------------------------------------

// CohortMembers godoc
// @Summary List cohort members
// @Description List the known remote members of a cohort, annotated with staleness
// @tags Cohort
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param cohortName path string true "Cohort name"
// @Success 200 {object} CohortMembersResponse "success"
// @Failure 404 {object} StandardResponse "unknown cohort"
// @Router /v1/cohort/{cohortName}/members [get]
func (h APIRestCohortAdminHandler) CohortMembers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	registry, cohortName := h.lookupRegistry(r)
	if registry == nil {
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), respCode, fmt.Sprintf("unknown cohort '%s'", cohortName), "",
		)
		return
	}
	respCode = http.StatusOK
	respBody = CohortMembersResponse{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Local:            registry.GetLocalRegistration(),
		Members:          registry.GetRemoteMembers(),
	}
}

// CohortMembersHandler Wrapper around CohortMembers
func (h APIRestCohortAdminHandler) CohortMembersHandler() http.HandlerFunc {
	return h.AttachRequestID(h.CohortMembers)
}

// -----------------------------------------------------------------------

// FederatedQuery godoc
// @Summary Federated repository request
// @Description Run a repository operation on every member of the connected cohorts,
// and merge the results
// @tags Federation
// @Accept json
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param verbose query bool false "Report the members which failed"
// @Param request body FederatedQueryRequest true "Federated request"
// @Success 200 {object} FederatedQueryResponse "success"
// @Failure 400 {object} StandardResponse "bad request"
// @Failure 404 {object} StandardResponse "no member in scope"
// @Failure 502 {object} StandardResponse "members failed"
// @Failure 501 {object} StandardResponse "federation disabled"
// @Router /v1/federation/query [post]
func (h APIRestCohortAdminHandler) FederatedQuery(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.enterprise == nil {
		respCode = http.StatusNotImplemented
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "federation is not enabled", "")
		return
	}

	var request FederatedQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "unable to parse federated request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "invalid federated request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	opts := federation.Options{
		Strict:        h.federation.StrictConsistency,
		MemberTimeout: time.Millisecond * time.Duration(h.federation.MemberTimeout),
	}
	if request.Strict != nil {
		opts.Strict = *request.Strict
	}
	if request.MemberTimeoutMS > 0 {
		opts.MemberTimeout = time.Millisecond * time.Duration(request.MemberTimeoutMS)
	}
	if verbose := r.URL.Query().Get("verbose"); verbose != "" {
		parsed, err := strconv.ParseBool(verbose)
		if err != nil {
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), respCode, "invalid 'verbose' query parameter", err.Error(),
			)
			return
		}
		opts.Verbose = parsed
	}

	result, err := h.enterprise.Execute(r.Context(), request.Operation, request.Scope, opts)
	if err != nil {
		msg := fmt.Sprintf("federated %s failed", request.Operation.Name)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = federationErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = FederatedQueryResponse{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Result: result,
	}
}

// FederatedQueryHandler Wrapper around FederatedQuery
func (h APIRestCohortAdminHandler) FederatedQueryHandler() http.HandlerFunc {
	return h.AttachRequestID(h.FederatedQuery)
}

// FederationMembers godoc
// @Summary List federation targets
// @Description List the metadata collection IDs federated requests are sent to
// @tags Federation
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} FederationMembersResponse "success"
// @Failure 501 {object} StandardResponse "federation disabled"
// @Router /v1/federation/members [get]
func (h APIRestCohortAdminHandler) FederationMembers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	if h.enterprise == nil {
		respCode = http.StatusNotImplemented
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "federation is not enabled", "")
	} else {
		respCode = http.StatusOK
		respBody = FederationMembersResponse{
			StandardResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Members:          h.enterprise.Members(),
		}
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// FederationMembersHandler Wrapper around FederationMembers
func (h APIRestCohortAdminHandler) FederationMembersHandler() http.HandlerFunc {
	return h.AttachRequestID(h.FederationMembers)
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For admin REST API liveness check
// @Description Will return success to indicate admin REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Router /alive [get]
func (h APIRestCohortAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestCohortAdminHandler) AliveHandler() http.HandlerFunc {
	return h.AttachRequestID(h.Alive)
}

// Ready godoc
// @Summary For admin REST API readiness check
// @Description Will return success once every cohort set to connect at startup has
// been joined
// @tags Management
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 503 {object} StandardResponse "not ready"
// @Router /ready [get]
func (h APIRestCohortAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.readiness != nil {
		if err := h.readiness(r.Context()); err != nil {
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "not ready", err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestCohortAdminHandler) ReadyHandler() http.HandlerFunc {
	return h.AttachRequestID(h.Ready)
}

// ========================================================================================

// BuildCohortAdminRouter define the admin API routes under the path prefix
func BuildCohortAdminRouter(
	parent *mux.Router, pathPrefix string, handler APIRestCohortAdminHandler,
) *mux.Router {
	mainRouter := parent
	if pathPrefix != "" && pathPrefix != "/" {
		mainRouter = parent.PathPrefix(pathPrefix).Subrouter()
	}
	v1Router := mainRouter.PathPrefix("/v1").Subrouter()

	// Cohort routes
	_ = RegisterPathPrefix(v1Router, "/cohort", MethodHandlers{
		"get": handler.ListCohortsHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/cohort/{cohortName}/connect", MethodHandlers{
		"post": handler.ConnectCohortHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/cohort/{cohortName}/disconnect", MethodHandlers{
		"post": handler.DisconnectCohortHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/cohort/{cohortName}/refresh", MethodHandlers{
		"post": handler.RefreshRegistrationHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/cohort/{cohortName}/members", MethodHandlers{
		"get": handler.CohortMembersHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/cohort/{cohortName}/status", MethodHandlers{
		"get": handler.CohortStatusHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/cohort/{cohortName}/registrations", MethodHandlers{
		"delete": handler.ClearRegistrationsHandler(),
	})

	// Federation routes
	_ = RegisterPathPrefix(v1Router, "/federation/query", MethodHandlers{
		"post": handler.FederatedQueryHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/federation/members", MethodHandlers{
		"get": handler.FederationMembersHandler(),
	})

	// Local repository routes
	_ = RegisterPathPrefix(v1Router, "/repository/instance", MethodHandlers{
		"post": handler.PublishInstanceHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/repository/typedef", MethodHandlers{
		"post": handler.PublishTypeDefHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	return mainRouter
}
