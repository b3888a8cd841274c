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

package topic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNATSEventTopic(t *testing.T) {
	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("NATS server not available")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	logTags := log.Fields{"module": "topic_test", "component": "nats-topic"}
	js, err := core.GetJetStream(core.NewNATSConnectParams(common.NATSConfig{
		ServerURI:      natsURI,
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}, logTags))
	assert.Nil(err)
	defer js.Close(utCtxt)

	testID := uuid.New().String()
	param := NATSTopicParam{
		Cohort:           fmt.Sprintf("ut-%s", testID),
		Stream:           fmt.Sprintf("ut-omrs-%s", testID),
		SubjectPrefix:    "ut.omrs",
		SubscriberBuffer: 4,
		DedupTTL:         time.Minute,
		PublishTimeout:   time.Second * 5,
	}
	uut, err := GetNATSEventTopic(js, param)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close(utCtxt))
		provisioner, _ := core.GetStreamProvisioner(js, "cleanup")
		_ = provisioner.DeleteStream(param.Stream)
	}()

	testWG := sync.WaitGroup{}
	collector := &eventCollector{wg: &testWG}
	_, err = uut.Subscribe(utCtxt, collector)
	assert.Nil(err)

	// Case 0: deliver events
	{
		testWG.Add(2)
		assert.Nil(uut.Publish(
			utCtxt, NewRegistrationEvent("A1", testRegistration("A1", "ServerA")),
		))
		assert.Nil(uut.Publish(utCtxt, NewRefreshRequestEvent("A1")))
		testWG.Wait()
		received := collector.received()
		assert.Len(received, 2)
		assert.Equal(EventTypeRegistration, received[0].EventType())
		assert.Equal(EventTypeRefreshRequest, received[1].EventType())
	}

	// Case 1: invalid parameters
	{
		_, err := GetNATSEventTopic(js, NATSTopicParam{Cohort: "x"})
		assert.NotNil(err)
	}
}
