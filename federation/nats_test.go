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

package federation_test

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/core"
	"github.com/alwitt/omrs/federation"
	"github.com/alwitt/omrs/metadata"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNATSRepositoryRoundTrip(t *testing.T) {
	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("UNIT_TEST_NATS_URI not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	client, err := core.GetJetStream(core.NewNATSConnectParams(common.NATSConfig{
		ServerURI:      natsURI,
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}, log.Fields{"module": "federation", "component": "ut"}))
	assert.Nil(err)
	defer client.Close(utCtxt)

	prefix := "ut-federation-" + uuid.New().String()[:8]
	localID := uuid.New().String()
	repo := metadata.NewInMemoryRepository("ut")
	_, err = repo.Save(testInstance(localID, "g1", 1, time.Now().UTC()))
	assert.Nil(err)

	responder, err := federation.GetRepositoryResponder(client.NATs(), prefix, repo)
	assert.Nil(err)
	assert.Nil(responder.Serve(localID))
	assert.Nil(responder.Serve(localID))
	defer func() {
		assert.Nil(responder.Stop())
	}()

	registration := common.MemberRegistration{
		MetadataCollectionID: localID,
		ServerName:           "ut-server",
		RepositoryConnection: federation.RepositoryConnection(prefix, localID),
	}
	connector, err := federation.NewNATSConnectorFactory(client.NATs()).NewConnector(registration)
	assert.Nil(err)

	// Case 0: query
	{
		reqCtxt, cancel := context.WithTimeout(utCtxt, time.Second*5)
		defer cancel()
		instances, err := connector.Execute(
			reqCtxt, federation.Operation{Name: federation.OpGetInstance, GUID: "g1"},
		)
		assert.Nil(err)
		assert.Len(instances, 1)
		assert.Equal(localID, instances[0].HomeMetadataCollectionID)
	}

	// Case 1: invalid request is answered with an error
	{
		reqCtxt, cancel := context.WithTimeout(utCtxt, time.Second*5)
		defer cancel()
		_, err := connector.Execute(reqCtxt, federation.Operation{Name: federation.OpGetInstance})
		assert.NotNil(err)
	}

	// Case 2: nobody serving the subject
	{
		reqCtxt, cancel := context.WithTimeout(utCtxt, time.Millisecond*500)
		defer cancel()
		other := registration
		other.RepositoryConnection = federation.RepositoryConnection(prefix, "nobody")
		orphan, err := federation.NewNATSConnectorFactory(client.NATs()).NewConnector(other)
		assert.Nil(err)
		_, err = orphan.Execute(reqCtxt, federation.Operation{Name: federation.OpFindEntities})
		assert.NotNil(err)
	}
}
