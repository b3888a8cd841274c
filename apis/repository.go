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
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/alwitt/omrs/cohort"
	"github.com/alwitt/omrs/metadata"
	"github.com/alwitt/omrs/topic"
	"github.com/apex/log"
)

// PublishInstanceRequest a change to an instance homed in the local repository
type PublishInstanceRequest struct {
	Action   topic.InstanceAction `json:"action" validate:"required,oneof=created updated deleted purged"`
	Instance metadata.Instance    `json:"instance" validate:"required"`
}

// PublishInstanceResponse response to an instance change
type PublishInstanceResponse struct {
	StandardResponse
	// Cohorts cohorts the change was announced to
	Cohorts []string `json:"cohorts"`
	// Failed cohorts the change could not be announced to, with the reason
	Failed map[string]string `json:"failed,omitempty"`
}

// PublishInstance godoc
// @Summary Change a local instance
// @Description Apply a change to an instance homed in the local repository, and announce
// it to every connected cohort
// @tags Repository
// @Accept json
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param request body PublishInstanceRequest true "Instance change"
// @Success 200 {object} PublishInstanceResponse "success"
// @Failure 400 {object} StandardResponse "bad request"
// @Failure 409 {object} StandardResponse "stale instance"
// @Failure 501 {object} StandardResponse "no local repository"
// @Router /v1/repository/instance [post]
func (h APIRestCohortAdminHandler) PublishInstance(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.repository == nil {
		respCode = http.StatusNotImplemented
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "no local repository", "")
		return
	}

	var request PublishInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "unable to parse instance change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if request.Instance.HomeMetadataCollectionID == "" {
		request.Instance.HomeMetadataCollectionID = h.localID
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "invalid instance change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if request.Instance.HomeMetadataCollectionID != h.localID {
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(
			r.Context(),
			respCode,
			"only instances homed in the local repository can be changed",
			fmt.Sprintf("instance is homed in %s", request.Instance.HomeMetadataCollectionID),
		)
		return
	}

	switch request.Action {
	case topic.InstanceDeleted, topic.InstancePurged:
		h.repository.Remove(request.Instance.Key())
	default:
		saved, err := h.repository.Save(request.Instance)
		if err != nil {
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "unable to save instance", err.Error())
			return
		}
		if !saved {
			respCode = http.StatusConflict
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), respCode, "a newer copy of the instance is already stored", "",
			)
			return
		}
	}

	cohorts, failed := h.announceToCohorts(
		localLogTags,
		fmt.Sprintf("instance %s", request.Instance.GUID),
		func(registry cohort.CohortRegistry) error {
			return registry.PublishInstanceEvent(r.Context(), request.Action, request.Instance)
		},
	)
	resp := PublishInstanceResponse{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Cohorts: cohorts, Failed: failed,
	}
	respCode = http.StatusOK
	respBody = resp
}

// PublishInstanceHandler Wrapper around PublishInstance
func (h APIRestCohortAdminHandler) PublishInstanceHandler() http.HandlerFunc {
	return h.AttachRequestID(h.PublishInstance)
}

// PublishTypeDefRequest a change to a type definition of the local repository
type PublishTypeDefRequest struct {
	Action  topic.TypeDefAction  `json:"action" validate:"required,oneof=added updated deleted"`
	TypeDef topic.TypeDefSummary `json:"type_def" validate:"required"`
}

// PublishTypeDef godoc
// @Summary Announce a type definition change
// @Description Announce a change to a type definition of the local repository to every
// connected cohort
// @tags Repository
// @Accept json
// @Produce json
// @Param OMRS-Request-ID header string false "User provided request ID to match against logs"
// @Param request body PublishTypeDefRequest true "Type definition change"
// @Success 200 {object} PublishInstanceResponse "success"
// @Failure 400 {object} StandardResponse "bad request"
// @Router /v1/repository/typedef [post]
func (h APIRestCohortAdminHandler) PublishTypeDef(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request PublishTypeDefRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "unable to parse type definition change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "invalid type definition change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	cohorts, failed := h.announceToCohorts(
		localLogTags,
		fmt.Sprintf("type definition %s", request.TypeDef.Name),
		func(registry cohort.CohortRegistry) error {
			return registry.PublishTypeDefEvent(r.Context(), request.Action, request.TypeDef)
		},
	)
	respCode = http.StatusOK
	respBody = PublishInstanceResponse{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Cohorts: cohorts, Failed: failed,
	}
}

// PublishTypeDefHandler Wrapper around PublishTypeDef
func (h APIRestCohortAdminHandler) PublishTypeDefHandler() http.HandlerFunc {
	return h.AttachRequestID(h.PublishTypeDef)
}

// announceToCohorts publish a change to every connected cohort, in name order.
// Returns the cohorts announced to, and the failures by cohort.
func (h APIRestCohortAdminHandler) announceToCohorts(
	logTags log.Fields, what string, publish func(registry cohort.CohortRegistry) error,
) ([]string, map[string]string) {
	names := make([]string, 0, len(h.registries))
	for name := range h.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	announced := []string{}
	var failed map[string]string
	for _, name := range names {
		registry := h.registries[name]
		if !registry.Status().State.Connected() {
			continue
		}
		if err := publish(registry); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to announce %s to cohort %s", what, name)
			if failed == nil {
				failed = map[string]string{}
			}
			failed[name] = err.Error()
			continue
		}
		announced = append(announced, name)
	}
	return announced, failed
}
