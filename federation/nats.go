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

package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/metadata"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// RepositorySubject the NATS subject a member's repository is served on
func RepositorySubject(prefix, metadataCollectionID string) string {
	return fmt.Sprintf("%s.repo.%s", prefix, metadataCollectionID)
}

// RepositoryConnection the connection descriptor advertising a repository
// served on NATS
func RepositoryConnection(prefix, metadataCollectionID string) *common.ConnectionDescriptor {
	return &common.ConnectionDescriptor{
		Protocol:      "nats",
		Endpoint:      RepositorySubject(prefix, metadataCollectionID),
		ConnectorType: natsConnectorType,
	}
}

const natsConnectorType = "omrs-nats-repository"

// repositoryRequest wire format of a repository request
type repositoryRequest struct {
	RequestID string    `json:"request_id"`
	Operation Operation `json:"operation"`
}

// repositoryResponse wire format of a repository response
type repositoryResponse struct {
	RequestID string              `json:"request_id"`
	Instances []metadata.Instance `json:"instances,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// ===============================================================================
// Client

// natsConnector reaches a member's repository with NATS request / reply
type natsConnector struct {
	common.Component
	metadataCollectionID string
	subject              string
	nc                   *nats.Conn
}

// NewNATSConnectorFactory define a factory of NATS request / reply connectors
func NewNATSConnectorFactory(nc *nats.Conn) ConnectorFactory {
	return ConnectorFactoryFunc(func(registration common.MemberRegistration) (RepositoryConnector, error) {
		conn := registration.RepositoryConnection
		if conn == nil || conn.Endpoint == "" {
			return nil, ErrNoRepository
		}
		if conn.Protocol != "nats" {
			return nil, fmt.Errorf("unsupported repository protocol '%s'", conn.Protocol)
		}
		logTags := log.Fields{
			"module":    "federation",
			"component": "nats-connector",
			"instance":  registration.MetadataCollectionID,
		}
		return &natsConnector{
			Component:            common.Component{LogTags: logTags},
			metadataCollectionID: registration.MetadataCollectionID,
			subject:              conn.Endpoint,
			nc:                   nc,
		}, nil
	})
}

func (c *natsConnector) MetadataCollectionID() string {
	return c.metadataCollectionID
}

func (c *natsConnector) Execute(ctxt context.Context, op Operation) ([]metadata.Instance, error) {
	localLogTags := c.GetLogTagsForContext(ctxt)
	request := repositoryRequest{RequestID: requestIDFromContext(ctxt), Operation: op}
	payload, err := json.Marshal(&request)
	if err != nil {
		return nil, err
	}
	msg, err := c.nc.RequestWithContext(ctxt, c.subject, payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Request to %s failed", c.subject)
		return nil, err
	}
	var response repositoryResponse
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		return nil, fmt.Errorf("unreadable response from %s: %w", c.metadataCollectionID, err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("%s: %s", c.metadataCollectionID, response.Error)
	}
	return response.Instances, nil
}

func (c *natsConnector) Close() error {
	return nil
}

func requestIDFromContext(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// ===============================================================================
// Server

// RepositoryResponder serves the local repository to other members over NATS
type RepositoryResponder interface {
	// Serve answer requests addressed to a metadata collection ID. Serving the
	// same ID again does nothing.
	Serve(metadataCollectionID string) error
	// Stop stop answering requests
	Stop() error
}

// repositoryResponderImpl implements RepositoryResponder
type repositoryResponderImpl struct {
	common.Component
	nc       *nats.Conn
	prefix   string
	repo     metadata.Repository
	validate *validator.Validate
	lock     sync.Mutex
	subs     map[string]*nats.Subscription
}

// GetRepositoryResponder define a new repository responder
func GetRepositoryResponder(
	nc *nats.Conn, prefix string, repo metadata.Repository,
) (RepositoryResponder, error) {
	if nc == nil || repo == nil {
		return nil, fmt.Errorf("repository responder needs a NATS connection and a repository")
	}
	logTags := log.Fields{
		"module": "federation", "component": "repository-responder", "instance": prefix,
	}
	return &repositoryResponderImpl{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		prefix:    prefix,
		repo:      repo,
		validate:  validator.New(),
		subs:      map[string]*nats.Subscription{},
	}, nil
}

func (r *repositoryResponderImpl) Serve(metadataCollectionID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.subs[metadataCollectionID]; ok {
		return nil
	}
	subject := RepositorySubject(r.prefix, metadataCollectionID)
	sub, err := r.nc.Subscribe(subject, r.handleRequest)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serve %s", subject)
		return err
	}
	r.subs[metadataCollectionID] = sub
	log.WithFields(r.LogTags).Infof("Serving local repository on %s", subject)
	return nil
}

func (r *repositoryResponderImpl) handleRequest(msg *nats.Msg) {
	response := r.answer(msg.Data)
	payload, err := json.Marshal(&response)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to encode response")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to send response")
	}
}

func (r *repositoryResponderImpl) answer(data []byte) repositoryResponse {
	var request repositoryRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return repositoryResponse{Error: fmt.Sprintf("malformed request: %s", err.Error())}
	}
	response := repositoryResponse{RequestID: request.RequestID}
	localLogTags := log.Fields{}
	for key, value := range r.LogTags {
		localLogTags[key] = value
	}
	localLogTags["request_id"] = request.RequestID
	if err := r.validate.Struct(&request.Operation); err != nil {
		response.Error = err.Error()
		return response
	}
	query, err := request.Operation.Query()
	if err != nil {
		response.Error = err.Error()
		return response
	}
	instances, err := r.repo.Find(query)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Repository query failed")
		response.Error = err.Error()
		return response
	}
	log.WithFields(localLogTags).Debugf(
		"Answered %s with %d instance(s)", request.Operation.Name, len(instances),
	)
	response.Instances = instances
	return response
}

func (r *repositoryResponderImpl) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	var firstErr error
	for id, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.subs, id)
	}
	return firstErr
}
