package initmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
)

// InitializationMethod the work an initialization Manager drives to completion
type InitializationMethod interface {
	// AttemptInitialization make one attempt
	AttemptInitialization(ctxt context.Context) error
	// IsRetryNeeded whether a failed attempt should be retried
	IsRetryNeeded(err error) bool
}

// InitializationFunc adapter to use a function as an InitializationMethod.
// Failures are retried unless they are a FatalError.
type InitializationFunc func(ctxt context.Context) error

// AttemptInitialization calls f(ctxt)
func (f InitializationFunc) AttemptInitialization(ctxt context.Context) error {
	return f(ctxt)
}

// IsRetryNeeded applies DefaultRetryPolicy
func (f InitializationFunc) IsRetryNeeded(err error) bool {
	return DefaultRetryPolicy(err)
}

// State of an initialization Manager
type State string

// Manager states
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateWaiting   State = "waiting-retry"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateExhausted State = "exhausted"
	StateStopped   State = "stopped"
)

// Terminal whether the state is final
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExhausted, StateStopped:
		return true
	default:
		return false
	}
}

// ManagerParam parameters of an initialization Manager
type ManagerParam struct {
	// Name of the initialization, used in logs
	Name string
	// Method the initialization to drive
	Method InitializationMethod
	// MaxAttempts max number of attempts. Negative is unlimited.
	MaxAttempts int
	// RetryInterval wait between a failed attempt and the next one
	RetryInterval time.Duration
	// Scheduler runs the attempts
	Scheduler Scheduler
}

// Manager drives an InitializationMethod with bounded retries in the background
type Manager interface {
	// Start schedule the first attempt. Calling Start again is a no-op.
	Start(ctxt context.Context) error
	// Stop prevent further attempts. An attempt in flight is allowed to complete.
	Stop() error
	// State current state
	State() State
	// Attempts number of attempts made so far
	Attempts() int
	// LastError error of the most recent failed attempt
	LastError() error
	// Done closed once the manager reached a terminal state
	Done() <-chan struct{}
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	param    ManagerParam
	lock     sync.Mutex
	ctxt     context.Context
	state    State
	attempts int
	lastErr  error
	pending  ScheduledTask
	done     chan struct{}
}

// GetManager define a new initialization Manager
func GetManager(param ManagerParam) (Manager, error) {
	if param.Method == nil || param.Scheduler == nil {
		return nil, fmt.Errorf("initialization manager needs a method and a scheduler")
	}
	if param.MaxAttempts == 0 {
		return nil, fmt.Errorf("max attempts must be positive, or negative for unlimited")
	}
	if param.RetryInterval < 0 {
		return nil, fmt.Errorf("retry interval can not be negative")
	}
	logTags := log.Fields{
		"module": "initmgr", "component": "manager", "instance": param.Name,
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		param:     param,
		state:     StateIdle,
		done:      make(chan struct{}),
	}, nil
}

func (m *managerImpl) Start(ctxt context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state != StateIdle {
		return nil
	}
	m.ctxt = ctxt
	m.state = StateWaiting
	return m.scheduleAttempt(0)
}

// scheduleAttempt queue the next attempt. Caller must hold the lock.
func (m *managerImpl) scheduleAttempt(delay time.Duration) error {
	task, err := m.param.Scheduler.Schedule(delay, m.attempt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to schedule attempt")
		m.lastErr = err
		m.finish(StateStopped)
		return err
	}
	m.pending = task
	return nil
}

// finish enter a terminal state. Caller must hold the lock.
func (m *managerImpl) finish(state State) {
	m.state = state
	m.pending = nil
	close(m.done)
}

// attempt make one attempt, then decide what comes next
func (m *managerImpl) attempt() {
	m.lock.Lock()
	if m.state != StateWaiting {
		m.lock.Unlock()
		return
	}
	if m.ctxt.Err() != nil {
		log.WithFields(m.LogTags).Info("Context ended, no further attempts")
		m.finish(StateStopped)
		m.lock.Unlock()
		return
	}
	m.state = StateRunning
	m.attempts++
	attemptNum := m.attempts
	m.pending = nil
	m.lock.Unlock()

	log.WithFields(m.LogTags).Debugf("Attempt %d", attemptNum)
	err := m.param.Method.AttemptInitialization(m.ctxt)

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state == StateStopped {
		if err != nil {
			m.lastErr = err
		}
		log.WithFields(m.LogTags).Infof("Attempt %d completed after stop", attemptNum)
		return
	}
	if err == nil {
		log.WithFields(m.LogTags).Infof("Initialization succeeded after %d attempt(s)", attemptNum)
		m.lastErr = nil
		m.finish(StateSucceeded)
		return
	}
	m.lastErr = err
	if !m.param.Method.IsRetryNeeded(err) {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Initialization failed fatally on attempt %d", attemptNum,
		)
		m.finish(StateFailed)
		return
	}
	if m.param.MaxAttempts > 0 && attemptNum >= m.param.MaxAttempts {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Giving up on initialization after %d attempts", attemptNum,
		)
		m.finish(StateExhausted)
		return
	}
	log.WithError(err).WithFields(m.LogTags).Warnf(
		"Attempt %d failed, retrying in %s", attemptNum, m.param.RetryInterval,
	)
	m.state = StateWaiting
	_ = m.scheduleAttempt(m.param.RetryInterval)
}

func (m *managerImpl) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state.Terminal() {
		return nil
	}
	if m.pending != nil {
		m.pending.Cancel()
	}
	log.WithFields(m.LogTags).Info("Stopping")
	m.finish(StateStopped)
	return nil
}

func (m *managerImpl) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

func (m *managerImpl) Attempts() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.attempts
}

func (m *managerImpl) LastError() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.lastErr
}

func (m *managerImpl) Done() <-chan struct{} {
	return m.done
}
