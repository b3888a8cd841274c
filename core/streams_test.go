package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMergeSubjects(t *testing.T) {
	assert := assert.New(t)

	// Case 0: nothing new
	{
		merged, changed := mergeSubjects([]string{"a", "b"}, []string{"b"})
		assert.False(changed)
		assert.Equal([]string{"a", "b"}, merged)
	}

	// Case 1: extend
	{
		merged, changed := mergeSubjects([]string{"a"}, []string{"b", "a", "c"})
		assert.True(changed)
		assert.Equal([]string{"a", "b", "c"}, merged)
	}
}

func TestStreamProvisioning(t *testing.T) {
	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("NATS server not available")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module": "core_test", "component": "StreamProvisioner", "instance": "streams",
	}
	js, err := GetJetStream(NewNATSConnectParams(common.NATSConfig{
		ServerURI:      natsURI,
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}, logTags))
	assert.Nil(err)
	defer js.Close(utCtxt)

	uut, err := GetStreamProvisioner(js, "testing")
	assert.Nil(err)

	streamName := fmt.Sprintf("ut-omrs-%s", uuid.New().String())
	defer func() {
		_ = uut.DeleteStream(streamName)
	}()

	// Case 0: invalid parameters
	{
		_, err := uut.EnsureStream(StreamParam{Name: streamName})
		assert.NotNil(err)
	}

	// Case 1: create
	{
		maxAge := time.Minute
		info, err := uut.EnsureStream(StreamParam{
			Name:         streamName,
			Subjects:     []string{fmt.Sprintf("%s.a", streamName)},
			StreamLimits: StreamLimits{MaxAge: &maxAge},
		})
		assert.Nil(err)
		assert.Equal(streamName, info.Config.Name)
		assert.Equal(maxAge, info.Config.MaxAge)
	}

	// Case 2: repeat is a no-op
	{
		info, err := uut.EnsureStream(StreamParam{
			Name: streamName, Subjects: []string{fmt.Sprintf("%s.a", streamName)},
		})
		assert.Nil(err)
		assert.Len(info.Config.Subjects, 1)
	}

	// Case 3: extend subjects
	{
		info, err := uut.EnsureStream(StreamParam{
			Name: streamName, Subjects: []string{fmt.Sprintf("%s.b", streamName)},
		})
		assert.Nil(err)
		assert.Len(info.Config.Subjects, 2)
	}
}
