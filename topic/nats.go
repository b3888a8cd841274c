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
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSTopicParam parameters of a JetStream backed cohort topic
type NATSTopicParam struct {
	// Cohort name of the cohort
	Cohort string `validate:"required"`
	// Stream JetStream stream holding the cohort events
	Stream string `validate:"required"`
	// SubjectPrefix the topic subject is "<prefix>.<cohort>.events"
	SubjectPrefix string `validate:"required"`
	// SubscriberBuffer per subscription dispatch queue length
	SubscriberBuffer int `validate:"gte=1"`
	// DedupTTL how long event IDs are remembered per subscription
	DedupTTL time.Duration
	// PublishTimeout max wait for the JetStream publish ACK
	PublishTimeout time.Duration
}

// natsEventTopic EventTopic carried over a NATS JetStream stream
type natsEventTopic struct {
	common.Component
	param   NATSTopicParam
	subject string
	core    core.NatsClient
	lock    sync.Mutex
	subs    map[string]*subscription
	closed  bool
}

// ProvisionNATSEventTopic make sure the JetStream stream backing a topic
// exists and covers the topic subject
func ProvisionNATSEventTopic(natsCore core.NatsClient, param NATSTopicParam) error {
	provisioner, err := core.GetStreamProvisioner(natsCore, param.Cohort)
	if err != nil {
		return err
	}
	_, err = provisioner.EnsureStream(core.StreamParam{
		Name: param.Stream, Subjects: []string{natsTopicSubject(param)},
	})
	return err
}

func natsTopicSubject(param NATSTopicParam) string {
	return fmt.Sprintf("%s.%s.events", param.SubjectPrefix, param.Cohort)
}

// GetNATSEventTopic define a JetStream backed event topic. The stream is
// provisioned if absent.
func GetNATSEventTopic(natsCore core.NatsClient, param NATSTopicParam) (EventTopic, error) {
	if param.Cohort == "" || param.Stream == "" || param.SubjectPrefix == "" {
		return nil, fmt.Errorf("NATS topic requires cohort, stream, and subject prefix")
	}
	if param.SubscriberBuffer < 1 {
		param.SubscriberBuffer = 1
	}
	logTags := log.Fields{
		"module": "topic", "component": "nats-topic", "instance": param.Cohort,
	}
	if err := ProvisionNATSEventTopic(natsCore, param); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to provision stream %s", param.Stream,
		)
		return nil, err
	}
	return &natsEventTopic{
		Component: common.Component{LogTags: logTags},
		param:     param,
		subject:   natsTopicSubject(param),
		core:      natsCore,
		subs:      make(map[string]*subscription),
	}, nil
}

func (t *natsEventTopic) Cohort() string {
	return t.param.Cohort
}

func (t *natsEventTopic) Publish(ctxt context.Context, event CohortTopicEvent) error {
	logTags := t.GetLogTagsForContext(ctxt)
	payload, err := EncodeEvent(t.param.Cohort, event)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to encode event")
		return err
	}
	useCtxt := ctxt
	if t.param.PublishTimeout > 0 {
		var cancel context.CancelFunc
		useCtxt, cancel = context.WithTimeout(ctxt, t.param.PublishTimeout)
		defer cancel()
	}
	ack, err := t.core.JetStream().Publish(
		t.subject, payload, nats.Context(useCtxt), nats.MsgId(event.EventID()),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to publish %s event %s", event.EventType(), event.EventID(),
		)
		return err
	}
	log.WithFields(logTags).Debugf(
		"Published %s event %s as %s@%d", event.EventType(), event.EventID(), ack.Stream, ack.Sequence,
	)
	return nil
}

func (t *natsEventTopic) Subscribe(
	ctxt context.Context, listener Listener,
) (Subscription, error) {
	if listener == nil {
		return nil, fmt.Errorf("no listener given")
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil, fmt.Errorf("topic %s is closed", t.param.Cohort)
	}
	subID := uuid.New().String()
	logTags := log.Fields{
		"module":       "topic",
		"component":    "nats-subscription",
		"instance":     t.param.Cohort,
		"subscription": subID,
	}

	var natsSub *nats.Subscription
	sub := defineSubscription(
		ctxt, logTags, listener, t.param.SubscriberBuffer, NewDeduplicator(t.param.DedupTTL),
		func() {
			t.lock.Lock()
			delete(t.subs, subID)
			toClose := natsSub
			t.lock.Unlock()
			if toClose != nil {
				if err := toClose.Unsubscribe(); err != nil {
					log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
				}
			}
		},
	)

	// One ephemeral push consumer per subscription
	natsSub, err := t.core.JetStream().Subscribe(
		t.subject,
		func(msg *nats.Msg) {
			_, event, err := DecodeEvent(msg.Data)
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Dropping malformed event")
				if err := msg.Ack(); err != nil {
					log.WithError(err).WithFields(logTags).Error("Unable to ACK malformed event")
				}
				return
			}
			ack := func() {
				if err := msg.Ack(); err != nil {
					log.WithError(err).WithFields(logTags).Errorf(
						"Unable to ACK event %s", event.EventID(),
					)
				}
			}
			// Un-ACKed events are redelivered once the subscription is replaced
			if err := sub.enqueue(ctxt, delivery{event: event, ack: ack}); err != nil {
				log.WithError(err).WithFields(logTags).Warnf(
					"Unable to deliver event %s", event.EventID(),
				)
			}
		},
		nats.BindStream(t.param.Stream),
		nats.DeliverNew(),
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", t.subject)
		// Cancel needs the lock to unregister
		go sub.Cancel()
		return nil, err
	}
	t.subs[subID] = sub
	log.WithFields(logTags).Debugf("Subscribed to %s", t.subject)
	return sub, nil
}

func (t *natsEventTopic) Close(_ context.Context) error {
	t.lock.Lock()
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.lock.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	log.WithFields(t.LogTags).Info("Topic closed")
	return nil
}
