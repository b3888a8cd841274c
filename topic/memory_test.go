package topic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// eventCollector records the events a listener received
type eventCollector struct {
	lock   sync.Mutex
	events []CohortTopicEvent
	wg     *sync.WaitGroup
}

func (c *eventCollector) OnEvent(_ context.Context, event CohortTopicEvent) error {
	c.lock.Lock()
	c.events = append(c.events, event)
	c.lock.Unlock()
	if c.wg != nil {
		c.wg.Done()
	}
	return nil
}

func (c *eventCollector) received() []CohortTopicEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]CohortTopicEvent{}, c.events...)
}

func TestInMemoryTopicFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	uut, err := GetInMemoryEventTopic("ut-cohort", 4, time.Minute)
	assert.Nil(err)
	assert.Equal("ut-cohort", uut.Cohort())

	testWG := sync.WaitGroup{}
	good := &eventCollector{wg: &testWG}
	failures := 0
	var failLock sync.Mutex

	_, err = uut.Subscribe(utCtxt, good)
	assert.Nil(err)
	// A listener which always fails
	_, err = uut.Subscribe(utCtxt, ListenerFunc(func(_ context.Context, _ CohortTopicEvent) error {
		failLock.Lock()
		failures++
		failLock.Unlock()
		testWG.Done()
		return fmt.Errorf("dummy error")
	}))
	assert.Nil(err)
	// A listener which panics
	_, err = uut.Subscribe(utCtxt, ListenerFunc(func(_ context.Context, _ CohortTopicEvent) error {
		testWG.Done()
		panic("listener bug")
	}))
	assert.Nil(err)

	// Case 0: every listener gets every event, in publish order
	{
		testWG.Add(9)
		for itr := 0; itr < 3; itr++ {
			assert.Nil(uut.Publish(utCtxt, NewRefreshRequestEvent(fmt.Sprintf("A%d", itr))))
		}
		testWG.Wait()
		received := good.received()
		assert.Len(received, 3)
		for itr, event := range received {
			assert.Equal(fmt.Sprintf("A%d", itr), event.Originator())
		}
		failLock.Lock()
		assert.Equal(3, failures)
		failLock.Unlock()
	}

	// Case 1: malformed payloads are dropped, later events still flow
	{
		impl := uut.(*inMemoryEventTopic)
		assert.Nil(impl.publishRaw(utCtxt, []byte("garbage")))
		testWG.Add(3)
		assert.Nil(uut.Publish(utCtxt, NewRefreshRequestEvent("B1")))
		testWG.Wait()
		received := good.received()
		assert.Len(received, 4)
		assert.Equal("B1", received[3].Originator())
	}

	// Case 2: redelivered events are dropped
	{
		event := NewRefreshRequestEvent("C1")
		testWG.Add(3)
		assert.Nil(uut.Publish(utCtxt, event))
		testWG.Wait()
		assert.Nil(uut.Publish(utCtxt, event))
		testWG.Add(3)
		assert.Nil(uut.Publish(utCtxt, NewRefreshRequestEvent("C2")))
		testWG.Wait()
		received := good.received()
		assert.Len(received, 6)
		assert.Equal("C2", received[5].Originator())
	}

	assert.Nil(uut.Close(utCtxt))
	assert.NotNil(uut.Publish(utCtxt, NewRefreshRequestEvent("D1")))
	_, err = uut.Subscribe(utCtxt, good)
	assert.NotNil(err)
}

func TestInMemoryTopicCancel(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	uut, err := GetInMemoryEventTopic("ut-cohort", 4, 0)
	assert.Nil(err)

	testWG := sync.WaitGroup{}
	first := &eventCollector{wg: &testWG}
	second := &eventCollector{}

	_, err = uut.Subscribe(utCtxt, first)
	assert.Nil(err)
	sub, err := uut.Subscribe(utCtxt, second)
	assert.Nil(err)

	// Case 0: cancel one subscription
	{
		sub.Cancel()
		sub.Cancel()
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			assert.Fail("subscription did not stop")
		}
		testWG.Add(1)
		assert.Nil(uut.Publish(utCtxt, NewRefreshRequestEvent("A1")))
		testWG.Wait()
		assert.Len(first.received(), 1)
		assert.Empty(second.received())
	}

	// Case 1: subscription ends with its context
	{
		subCtxt, subCancel := context.WithCancel(utCtxt)
		sub, err := uut.Subscribe(subCtxt, &eventCollector{})
		assert.Nil(err)
		subCancel()
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			assert.Fail("subscription did not stop")
		}
		impl := uut.(*inMemoryEventTopic)
		assert.Eventually(func() bool {
			impl.lock.RLock()
			defer impl.lock.RUnlock()
			return len(impl.subscribers) == 1
		}, time.Second, time.Millisecond*10)
	}

	// Case 2: invalid input
	{
		_, err := uut.Subscribe(utCtxt, nil)
		assert.NotNil(err)
		_, err = GetInMemoryEventTopic("ut-cohort", 0, 0)
		assert.NotNil(err)
	}
}
