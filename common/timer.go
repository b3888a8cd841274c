package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer calls a handler each time an interval passes without the
// countdown being postponed
type IntervalTimer interface {
	// Start begin calling the handler every interval. A timer runs one loop at a
	// time; Start on a running timer is an error.
	Start(interval time.Duration, handler TimeoutHandler) error
	// Postpone restart the countdown to the next handler call. No-op when stopped.
	Postpone()
	// Running whether the timer loop is active
	Running() bool
	// Stop halt the timer. A handler call already in progress is not interrupted.
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext context.Context
	wg          *sync.WaitGroup

	lock     sync.Mutex
	cancel   context.CancelFunc
	postpone chan struct{}
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	rootCtxt context.Context, name string, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(interval time.Duration, handler TimeoutHandler) error {
	if interval <= 0 {
		return fmt.Errorf("interval timer needs a positive interval, got %s", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cancel != nil {
		return fmt.Errorf("interval timer already running")
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	postpone := make(chan struct{}, 1)
	t.cancel = cancel
	t.postpone = postpone

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-postpone:
				timer.Reset(interval)
			case <-timer.C:
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				timer.Reset(interval)
			}
		}
	}()
	return nil
}

// Postpone restart the countdown
func (t *intervalTimerImpl) Postpone() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.postpone == nil {
		return
	}
	select {
	case t.postpone <- struct{}{}:
	default:
	}
}

// Running whether the timer loop is active
func (t *intervalTimerImpl) Running() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.cancel != nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.cancel()
		t.cancel = nil
		t.postpone = nil
	}
	return nil
}
