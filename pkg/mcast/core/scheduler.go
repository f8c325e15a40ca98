package core

import (
	"sync"
	"time"
)

// Job is a single scheduled callback. It is always identified by a stable
// id, so re-adding a job with the same id replaces any previous instance,
// matching the original destinator code's APScheduler add_job(..., id=...,
// replace_existing=True) calls in handlers/bully.py and
// handlers/phase_king.py.
type Job struct {
	id       string
	interval time.Duration
	callback func()
	invoker  Invoker

	mutex   sync.Mutex
	timer   *time.Timer
	paused  bool
	stopped bool
}

// Pause stops the job's timer without forgetting its interval.
func (j *Job) Pause() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.pauseLocked()
}

func (j *Job) pauseLocked() {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.paused = true
}

// Resume restarts the job's timer with the given interval, overriding
// whatever interval it was created with. Mirrors the Python source's
// resume_job(job, interval) helper shared by Bully and PhaseKing, which
// always rescheds to a fresh full interval before resuming.
func (j *Job) Resume(interval time.Duration) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.stopped {
		return
	}
	j.interval = interval
	j.paused = false
	j.armLocked()
}

// Reschedule changes the interval a running (or paused) job will next fire
// at, without flipping its paused state.
func (j *Job) Reschedule(interval time.Duration) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.interval = interval
	if !j.paused {
		j.armLocked()
	}
}

func (j *Job) armLocked() {
	if j.timer != nil {
		j.timer.Stop()
	}
	j.timer = time.AfterFunc(j.interval, j.fire)
}

// fire runs the callback on the invoker, recovers from a panicking
// callback (the job remains scheduled), and re-arms itself for periodic
// jobs.
func (j *Job) fire() {
	j.invoker.Spawn(func() {
		defer func() { recover() }()
		j.callback()
	})

	j.mutex.Lock()
	defer j.mutex.Unlock()
	if !j.stopped && !j.paused {
		j.timer = time.AfterFunc(j.interval, j.fire)
	}
}

func (j *Job) stop() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.stopped = true
	j.pauseLocked()
}

// Scheduler is the background timer service handlers use for periodic and
// one-shot callbacks. Jobs start paused; callers pause/resume/reschedule
// them explicitly.
type Scheduler struct {
	invoker Invoker

	mutex sync.Mutex
	jobs  map[string]*Job
}

// NewScheduler creates a scheduler whose job callbacks run on invoker.
func NewScheduler(invoker Invoker) *Scheduler {
	return &Scheduler{invoker: invoker, jobs: make(map[string]*Job)}
}

// AddJob registers callback under id, replacing any job previously
// registered with that id. The new job starts paused.
func (s *Scheduler) AddJob(id string, interval time.Duration, callback func()) *Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.jobs[id]; ok {
		existing.stop()
	}

	job := &Job{
		id:       id,
		interval: interval,
		callback: callback,
		invoker:  s.invoker,
		paused:   true,
	}
	s.jobs[id] = job
	return job
}

// GetJob returns the job registered under id, or nil if none exists.
func (s *Scheduler) GetJob(id string) *Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.jobs[id]
}

// Stop pauses every registered job, releasing their timers.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, job := range s.jobs {
		job.stop()
	}
}
