package cohort

import (
	"context"
	"sync"

	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/topic"
	"github.com/apex/log"
)

// MembershipChangeKind how the membership changed
type MembershipChangeKind string

// Membership change kinds
const (
	MemberAdded   MembershipChangeKind = "added"
	MemberUpdated MembershipChangeKind = "updated"
	MemberRemoved MembershipChangeKind = "removed"
)

// MembershipChange one change to the remote members of a cohort
type MembershipChange struct {
	Cohort string
	Kind   MembershipChangeKind
	// Before registration prior to the change. Nil when Added.
	Before *common.MemberRegistration
	// After registration following the change. Nil when Removed.
	After *common.MemberRegistration
}

// MetadataCollectionID ID of the member which changed
func (c MembershipChange) MetadataCollectionID() string {
	if c.After != nil {
		return c.After.MetadataCollectionID
	}
	if c.Before != nil {
		return c.Before.MetadataCollectionID
	}
	return ""
}

// MembershipChangeHandler receives membership changes
type MembershipChangeHandler func(change MembershipChange)

// InstanceEventHandler receives type definition and instance events from
// other members
type InstanceEventHandler func(cohort string, event topic.CohortTopicEvent)

// notifierSub one handler fed through its own buffered channel
type notifierSub struct {
	queue      chan interface{}
	ctxt       context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	cancelOnce sync.Once
	parent     *notifier
}

func (s *notifierSub) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()
		s.parent.remove(s)
	})
}

func (s *notifierSub) Done() <-chan struct{} {
	return s.done
}

// notifier channel based fan-out of registry notifications to handlers
type notifier struct {
	common.Component
	lock   sync.Mutex
	buffer int
	subs   map[*notifierSub]bool
}

func newNotifier(logTags log.Fields, buffer int) *notifier {
	return &notifier{
		Component: common.Component{LogTags: logTags}, buffer: buffer, subs: map[*notifierSub]bool{},
	}
}

// subscribe start feeding a handler
func (n *notifier) subscribe(ctxt context.Context, handler func(interface{})) topic.Subscription {
	subCtxt, cancel := context.WithCancel(ctxt)
	sub := &notifierSub{
		queue:  make(chan interface{}, n.buffer),
		ctxt:   subCtxt,
		cancel: cancel,
		done:   make(chan struct{}),
		parent: n,
	}
	n.lock.Lock()
	n.subs[sub] = true
	n.lock.Unlock()
	go func() {
		defer close(sub.done)
		defer sub.Cancel()
		for {
			select {
			case <-subCtxt.Done():
				return
			case item := <-sub.queue:
				n.deliver(handler, item)
			}
		}
	}()
	return sub
}

func (n *notifier) deliver(handler func(interface{}), item interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(n.LogTags).Errorf("Notification handler panicked: %v", r)
		}
	}()
	handler(item)
}

func (n *notifier) remove(sub *notifierSub) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.subs, sub)
}

// notify hand an item to every handler. Blocks while a handler's queue is full.
func (n *notifier) notify(item interface{}) {
	n.lock.Lock()
	targets := make([]*notifierSub, 0, len(n.subs))
	for sub := range n.subs {
		targets = append(targets, sub)
	}
	n.lock.Unlock()
	for _, sub := range targets {
		select {
		case sub.queue <- item:
		case <-sub.ctxt.Done():
		}
	}
}

// closeAll cancel every handler
func (n *notifier) closeAll() {
	n.lock.Lock()
	targets := make([]*notifierSub, 0, len(n.subs))
	for sub := range n.subs {
		targets = append(targets, sub)
	}
	n.lock.Unlock()
	for _, sub := range targets {
		sub.Cancel()
	}
}
