package initmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
)

// countingMethod InitializationMethod which fails a set number of times
type countingMethod struct {
	calls     int32
	failUntil int32
	failure   error
	retry     bool
	block     chan struct{}
}

func (m *countingMethod) AttemptInitialization(_ context.Context) error {
	call := atomic.AddInt32(&m.calls, 1)
	if m.block != nil {
		<-m.block
	}
	if m.failUntil < 0 || call <= m.failUntil {
		return m.failure
	}
	return nil
}

func (m *countingMethod) IsRetryNeeded(_ error) bool {
	return m.retry
}

func waitDone(t *testing.T, uut Manager) {
	select {
	case <-uut.Done():
	case <-time.After(time.Second * 5):
		assert.Fail(t, "manager did not finish")
	}
}

func countMessages(handler *memory.Handler, fragment string) int {
	count := 0
	for _, entry := range handler.Entries {
		if strings.Contains(entry.Message, fragment) {
			count++
		}
	}
	return count
}

func TestManagerRetryBound(t *testing.T) {
	assert := assert.New(t)

	logs := memory.New()
	log.SetHandler(logs)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	scheduler, err := GetScheduler(utCtxt, "ut", 2)
	assert.Nil(err)
	defer func() {
		assert.Nil(scheduler.Stop())
	}()

	method := &countingMethod{failUntil: -1, failure: fmt.Errorf("topic unreachable"), retry: true}
	uut, err := GetManager(ManagerParam{
		Name:          "ut-retry-bound",
		Method:        method,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond * 10,
		Scheduler:     scheduler,
	})
	assert.Nil(err)
	assert.Equal(StateIdle, uut.State())

	assert.Nil(uut.Start(utCtxt))
	waitDone(t, uut)
	// Give any stray attempt a chance to show up
	time.Sleep(time.Millisecond * 50)

	assert.Equal(StateExhausted, uut.State())
	assert.Equal(3, uut.Attempts())
	assert.Equal(int32(3), atomic.LoadInt32(&method.calls))
	assert.NotNil(uut.LastError())
	assert.Equal(1, countMessages(logs, "Giving up"))
	assert.Equal(2, countMessages(logs, "retrying in"))
}

func TestManagerSuccess(t *testing.T) {
	assert := assert.New(t)

	logs := memory.New()
	log.SetHandler(logs)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	scheduler, err := GetScheduler(utCtxt, "ut", 1)
	assert.Nil(err)
	defer func() {
		assert.Nil(scheduler.Stop())
	}()

	method := &countingMethod{failUntil: 2, failure: fmt.Errorf("store locked"), retry: true}
	uut, err := GetManager(ManagerParam{
		Name:          "ut-success",
		Method:        method,
		MaxAttempts:   -1,
		RetryInterval: time.Millisecond * 10,
		Scheduler:     scheduler,
	})
	assert.Nil(err)

	assert.Nil(uut.Start(utCtxt))
	// Second start is a no-op
	assert.Nil(uut.Start(utCtxt))
	waitDone(t, uut)
	time.Sleep(time.Millisecond * 50)

	assert.Equal(StateSucceeded, uut.State())
	assert.Equal(3, uut.Attempts())
	assert.Nil(uut.LastError())
	assert.Equal(1, countMessages(logs, "Initialization succeeded"))
	// Dormant once done
	assert.Nil(uut.Stop())
	assert.Equal(StateSucceeded, uut.State())
}

func TestManagerFatalFailure(t *testing.T) {
	assert := assert.New(t)

	logs := memory.New()
	log.SetHandler(logs)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	scheduler, err := GetScheduler(utCtxt, "ut", 1)
	assert.Nil(err)
	defer func() {
		assert.Nil(scheduler.Stop())
	}()

	// Case 0: method decides the failure is not retryable
	{
		method := &countingMethod{failUntil: -1, failure: fmt.Errorf("bad credentials")}
		uut, err := GetManager(ManagerParam{
			Name: "ut-fatal", Method: method, MaxAttempts: 5,
			RetryInterval: time.Millisecond, Scheduler: scheduler,
		})
		assert.Nil(err)
		assert.Nil(uut.Start(utCtxt))
		waitDone(t, uut)
		assert.Equal(StateFailed, uut.State())
		assert.Equal(1, uut.Attempts())
		assert.Equal(1, countMessages(logs, "failed fatally"))
	}

	// Case 1: default policy with a FatalError
	{
		calls := 0
		uut, err := GetManager(ManagerParam{
			Name: "ut-fatal-func",
			Method: InitializationFunc(func(_ context.Context) error {
				calls++
				return fmt.Errorf("loading config: %w", Fatal(fmt.Errorf("missing server name")))
			}),
			MaxAttempts: -1, RetryInterval: time.Millisecond, Scheduler: scheduler,
		})
		assert.Nil(err)
		assert.Nil(uut.Start(utCtxt))
		waitDone(t, uut)
		assert.Equal(StateFailed, uut.State())
		assert.Equal(1, calls)
		assert.True(IsFatal(uut.LastError()))
	}
}

func TestManagerStop(t *testing.T) {
	assert := assert.New(t)
	log.SetHandler(memory.New())

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	scheduler, err := GetScheduler(utCtxt, "ut", 1)
	assert.Nil(err)
	defer func() {
		assert.Nil(scheduler.Stop())
	}()

	// Case 0: stop while waiting for the retry
	{
		method := &countingMethod{failUntil: -1, failure: fmt.Errorf("unreachable"), retry: true}
		uut, err := GetManager(ManagerParam{
			Name: "ut-stop-waiting", Method: method, MaxAttempts: -1,
			RetryInterval: time.Hour, Scheduler: scheduler,
		})
		assert.Nil(err)
		assert.Nil(uut.Start(utCtxt))
		assert.Eventually(func() bool {
			return uut.Attempts() == 1 && uut.State() == StateWaiting
		}, time.Second, time.Millisecond*5)
		assert.Nil(uut.Stop())
		waitDone(t, uut)
		assert.Equal(StateStopped, uut.State())
		assert.Equal(1, uut.Attempts())
	}

	// Case 1: stop during an attempt, the attempt completes and nothing follows
	{
		method := &countingMethod{
			failUntil: -1, failure: fmt.Errorf("unreachable"), retry: true,
			block: make(chan struct{}),
		}
		uut, err := GetManager(ManagerParam{
			Name: "ut-stop-running", Method: method, MaxAttempts: -1,
			RetryInterval: time.Millisecond, Scheduler: scheduler,
		})
		assert.Nil(err)
		assert.Nil(uut.Start(utCtxt))
		assert.Eventually(func() bool {
			return uut.State() == StateRunning
		}, time.Second, time.Millisecond*5)
		assert.Nil(uut.Stop())
		close(method.block)
		waitDone(t, uut)
		time.Sleep(time.Millisecond * 50)
		assert.Equal(StateStopped, uut.State())
		assert.Equal(int32(1), atomic.LoadInt32(&method.calls))
	}

	// Case 2: invalid parameters
	{
		_, err := GetManager(ManagerParam{Name: "bad"})
		assert.NotNil(err)
		_, err = GetManager(ManagerParam{
			Name: "bad", Method: &countingMethod{}, Scheduler: scheduler, MaxAttempts: 0,
		})
		assert.NotNil(err)
	}
}

func TestSchedulerConcurrentUse(t *testing.T) {
	assert := assert.New(t)
	log.SetHandler(memory.New())

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	uut, err := GetScheduler(utCtxt, "ut", 3)
	assert.Nil(err)

	// Case 0: not started until first use
	{
		impl := uut.(*schedulerImpl)
		impl.lock.Lock()
		assert.Nil(impl.processor)
		impl.lock.Unlock()
	}

	// Case 1: many schedulers at once
	{
		var ran int32
		jobs := sync.WaitGroup{}
		callers := sync.WaitGroup{}
		for itr := 0; itr < 20; itr++ {
			jobs.Add(1)
			callers.Add(1)
			go func() {
				defer callers.Done()
				_, err := uut.Schedule(time.Millisecond, func() {
					atomic.AddInt32(&ran, 1)
					jobs.Done()
				})
				assert.Nil(err)
			}()
		}
		callers.Wait()
		jobs.Wait()
		assert.Equal(int32(20), atomic.LoadInt32(&ran))
	}

	// Case 2: cancelled jobs do not run, panics are contained
	{
		var ran int32
		task, err := uut.Schedule(time.Millisecond*50, func() { atomic.AddInt32(&ran, 1) })
		assert.Nil(err)
		task.Cancel()
		done := make(chan struct{})
		_, err = uut.Schedule(0, func() {
			defer close(done)
			panic("job bug")
		})
		assert.Nil(err)
		<-done
		time.Sleep(time.Millisecond * 100)
		assert.Equal(int32(0), atomic.LoadInt32(&ran))
	}

	// Case 3: stopped scheduler refuses work
	{
		assert.Nil(uut.Stop())
		assert.Nil(uut.Stop())
		_, err := uut.Schedule(0, func() {})
		assert.ErrorIs(err, ErrStopped)
		_, err = GetScheduler(utCtxt, "bad", 0)
		assert.NotNil(err)
	}
}
