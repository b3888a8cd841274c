package initmgr

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
)

// ScheduledTask handle of one scheduled job
type ScheduledTask interface {
	// Cancel prevent the job from running if it has not been dispatched yet
	Cancel()
}

// Scheduler runs delayed jobs on a fixed pool of workers. It is safe for
// concurrent use by several initializers.
type Scheduler interface {
	// Schedule run the job on a worker once the delay passed
	Schedule(delay time.Duration, job func()) (ScheduledTask, error)
	// Stop drop pending jobs and stop the workers. Jobs already running complete.
	Stop() error
}

// scheduledJob task parameter carrying one job to a worker
type scheduledJob struct {
	task *scheduledTask
}

type scheduledTask struct {
	owner *schedulerImpl
	job   func()
	timer *time.Timer
}

func (t *scheduledTask) Cancel() {
	t.owner.lock.Lock()
	defer t.owner.lock.Unlock()
	delete(t.owner.pending, t)
	if t.timer != nil {
		t.timer.Stop()
	}
}

// schedulerImpl implements Scheduler
type schedulerImpl struct {
	common.Component
	name      string
	workers   int
	rootCtxt  context.Context
	startOnce sync.Once
	startErr  error
	processor common.TaskProcessor
	wg        sync.WaitGroup
	lock      sync.Mutex
	pending   map[*scheduledTask]bool
	stopped   bool
}

// GetScheduler define a new Scheduler. The worker pool is only started on
// first use.
func GetScheduler(ctxt context.Context, name string, workers int) (Scheduler, error) {
	if workers < 1 {
		return nil, fmt.Errorf("scheduler needs at least one worker")
	}
	logTags := log.Fields{
		"module": "initmgr", "component": "scheduler", "instance": name,
	}
	return &schedulerImpl{
		Component: common.Component{LogTags: logTags},
		name:      name,
		workers:   workers,
		rootCtxt:  ctxt,
		pending:   make(map[*scheduledTask]bool),
	}, nil
}

// ensureStarted start the worker pool once
func (s *schedulerImpl) ensureStarted() error {
	s.startOnce.Do(func() {
		processor, err := common.GetNewTaskDemuxProcessorInstance(
			s.rootCtxt, s.name, s.workers*4, s.workers,
		)
		if err != nil {
			s.startErr = err
			return
		}
		if err := processor.AddToTaskExecutionMap(
			reflect.TypeOf(scheduledJob{}), s.runJob,
		); err != nil {
			s.startErr = err
			return
		}
		if err := processor.StartEventLoop(&s.wg); err != nil {
			s.startErr = err
			return
		}
		s.lock.Lock()
		s.processor = processor
		s.lock.Unlock()
		log.WithFields(s.LogTags).Infof("Started with %d workers", s.workers)
	})
	return s.startErr
}

func (s *schedulerImpl) Schedule(delay time.Duration, job func()) (ScheduledTask, error) {
	if job == nil {
		return nil, fmt.Errorf("no job given")
	}
	s.lock.Lock()
	stopped := s.stopped
	s.lock.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	if err := s.ensureStarted(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start worker pool")
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	task := &scheduledTask{owner: s, job: job}
	s.pending[task] = true
	task.timer = time.AfterFunc(delay, func() { s.dispatch(task) })
	return task, nil
}

// dispatch hand a due task to the worker pool
func (s *schedulerImpl) dispatch(task *scheduledTask) {
	s.lock.Lock()
	if !s.pending[task] {
		s.lock.Unlock()
		return
	}
	delete(s.pending, task)
	s.lock.Unlock()
	if err := s.processor.Submit(s.rootCtxt, scheduledJob{task: task}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to dispatch scheduled job")
	}
}

// runJob TaskHandler executing one job on a worker
func (s *schedulerImpl) runJob(param interface{}) error {
	job, ok := param.(scheduledJob)
	if !ok {
		return fmt.Errorf("unexpected task parameter %s", reflect.TypeOf(param))
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(s.LogTags).Errorf("Scheduled job panicked: %v", r)
		}
	}()
	job.task.job()
	return nil
}

func (s *schedulerImpl) Stop() error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return nil
	}
	s.stopped = true
	for task := range s.pending {
		task.timer.Stop()
	}
	s.pending = make(map[*scheduledTask]bool)
	processor := s.processor
	s.lock.Unlock()

	if processor != nil {
		if err := processor.StopEventLoop(); err != nil {
			return err
		}
		s.wg.Wait()
	}
	log.WithFields(s.LogTags).Info("Stopped")
	return nil
}
