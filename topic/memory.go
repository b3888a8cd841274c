package topic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// inMemoryEventTopic EventTopic delivering within the process.
//
// Events are encoded on publish and decoded once per subscriber, so
// subscribers never share an event value with the publisher.
type inMemoryEventTopic struct {
	common.Component
	cohort      string
	buffer      int
	dedupTTL    time.Duration
	lock        sync.RWMutex
	subscribers map[string]*subscription
	closed      bool
}

// GetInMemoryEventTopic define an in-process event topic for a cohort.
//
// Several cohort registries in one process may share the topic to form a cohort.
func GetInMemoryEventTopic(
	cohort string, subscriberBuffer int, dedupTTL time.Duration,
) (EventTopic, error) {
	if subscriberBuffer < 1 {
		return nil, fmt.Errorf("subscriber buffer must be positive")
	}
	logTags := log.Fields{
		"module": "topic", "component": "in-memory-topic", "instance": cohort,
	}
	return &inMemoryEventTopic{
		Component:   common.Component{LogTags: logTags},
		cohort:      cohort,
		buffer:      subscriberBuffer,
		dedupTTL:    dedupTTL,
		subscribers: make(map[string]*subscription),
	}, nil
}

func (t *inMemoryEventTopic) Cohort() string {
	return t.cohort
}

func (t *inMemoryEventTopic) Publish(ctxt context.Context, event CohortTopicEvent) error {
	payload, err := EncodeEvent(t.cohort, event)
	if err != nil {
		log.WithError(err).WithFields(t.GetLogTagsForContext(ctxt)).Error("Unable to encode event")
		return err
	}
	return t.publishRaw(ctxt, payload)
}

// publishRaw fan out an encoded event to every subscriber
func (t *inMemoryEventTopic) publishRaw(ctxt context.Context, payload []byte) error {
	// Copy then release, so slow subscribers do not block Subscribe / Cancel
	t.lock.RLock()
	if t.closed {
		t.lock.RUnlock()
		return fmt.Errorf("topic %s is closed", t.cohort)
	}
	targets := make([]*subscription, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		targets = append(targets, sub)
	}
	t.lock.RUnlock()

	for _, sub := range targets {
		_, event, err := DecodeEvent(payload)
		if err != nil {
			log.WithError(err).WithFields(sub.LogTags).Error("Dropping malformed event")
			continue
		}
		if err := sub.enqueue(ctxt, delivery{event: event}); err != nil {
			log.WithError(err).WithFields(sub.LogTags).Warnf(
				"Unable to deliver event %s", event.EventID(),
			)
			if ctxt.Err() != nil {
				return err
			}
		}
	}
	return nil
}

func (t *inMemoryEventTopic) Subscribe(
	ctxt context.Context, listener Listener,
) (Subscription, error) {
	if listener == nil {
		return nil, fmt.Errorf("no listener given")
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil, fmt.Errorf("topic %s is closed", t.cohort)
	}
	subID := uuid.New().String()
	logTags := log.Fields{
		"module":       "topic",
		"component":    "in-memory-subscription",
		"instance":     t.cohort,
		"subscription": subID,
	}
	sub := defineSubscription(
		ctxt, logTags, listener, t.buffer, NewDeduplicator(t.dedupTTL), func() {
			t.lock.Lock()
			defer t.lock.Unlock()
			delete(t.subscribers, subID)
		},
	)
	t.subscribers[subID] = sub
	log.WithFields(logTags).Debug("New subscription")
	return sub, nil
}

func (t *inMemoryEventTopic) Close(_ context.Context) error {
	t.lock.Lock()
	t.closed = true
	subs := make([]*subscription, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.lock.Unlock()
	// Cancel takes the lock to unregister
	for _, sub := range subs {
		sub.Cancel()
	}
	log.WithFields(t.LogTags).Info("Topic closed")
	return nil
}
