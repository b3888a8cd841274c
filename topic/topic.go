package topic

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
)

// Listener receives events from a cohort topic
type Listener interface {
	// OnEvent process one event. An error is logged, and does not affect
	// delivery to other listeners.
	OnEvent(ctxt context.Context, event CohortTopicEvent) error
}

// ListenerFunc adapter to use a function as a Listener
type ListenerFunc func(ctxt context.Context, event CohortTopicEvent) error

// OnEvent calls f(ctxt, event)
func (f ListenerFunc) OnEvent(ctxt context.Context, event CohortTopicEvent) error {
	return f(ctxt, event)
}

// Subscription handle of one listener's registration on a topic
type Subscription interface {
	// Cancel stop delivering events to the listener. Safe to call more than once.
	Cancel()
	// Done closed once the listener will receive no more events
	Done() <-chan struct{}
}

// EventTopic publish / subscribe channel shared by the members of one cohort
type EventTopic interface {
	// Cohort name of the cohort the topic serves
	Cohort() string
	// Publish send an event to every member of the cohort, including the sender
	Publish(ctxt context.Context, event CohortTopicEvent) error
	// Subscribe register a listener. Each subscription receives events in
	// the order they arrived, on its own goroutine. The subscription ends when
	// it is cancelled or ctxt is done.
	Subscribe(ctxt context.Context, listener Listener) (Subscription, error)
	// Close cancel every subscription and release the topic
	Close(ctxt context.Context) error
}

// delivery one event waiting for dispatch to a listener
type delivery struct {
	event CohortTopicEvent
	// ack called once the listener is done with the event. May be nil.
	ack func()
}

// subscription channel based dispatch of events to one listener
type subscription struct {
	common.Component
	listener   Listener
	queue      chan delivery
	dedup      *Deduplicator
	operCtxt   context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	cancelOnce sync.Once
	onCancel   func()
}

// defineSubscription define a subscription and start its dispatch loop
func defineSubscription(
	ctxt context.Context,
	logTags log.Fields,
	listener Listener,
	buffer int,
	dedup *Deduplicator,
	onCancel func(),
) *subscription {
	operCtxt, cancel := context.WithCancel(ctxt)
	sub := &subscription{
		Component: common.Component{LogTags: logTags},
		listener:  listener,
		queue:     make(chan delivery, buffer),
		dedup:     dedup,
		operCtxt:  operCtxt,
		cancel:    cancel,
		done:      make(chan struct{}),
		onCancel:  onCancel,
	}
	go sub.dispatchLoop()
	return sub
}

// Cancel stop the subscription
func (s *subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// Done closed once the dispatch loop exited
func (s *subscription) Done() <-chan struct{} {
	return s.done
}

// enqueue hand an event to the dispatch loop, blocking while the queue is full
func (s *subscription) enqueue(ctxt context.Context, item delivery) error {
	select {
	case s.queue <- item:
		return nil
	case <-s.operCtxt.Done():
		return fmt.Errorf("subscription cancelled")
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (s *subscription) dispatchLoop() {
	defer close(s.done)
	// The parent context ending also releases the subscription
	defer s.Cancel()
	defer log.WithFields(s.LogTags).Debug("Dispatch loop exiting")
	for {
		select {
		case <-s.operCtxt.Done():
			return
		case item := <-s.queue:
			s.dispatch(item)
		}
	}
}

// dispatch run the listener against one event, containing any failure
func (s *subscription) dispatch(item delivery) {
	if item.ack != nil {
		defer item.ack()
	}
	if !s.dedup.FirstSighting(item.event.EventID()) {
		log.WithFields(s.LogTags).Debugf("Dropping repeat of event %s", item.event.EventID())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(s.LogTags).Errorf(
				"Listener panicked on %s event %s: %v",
				item.event.EventType(),
				item.event.EventID(),
				r,
			)
		}
	}()
	if err := s.listener.OnEvent(s.operCtxt, item.event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Listener failed on %s event %s", item.event.EventType(), item.event.EventID(),
		)
	}
}
