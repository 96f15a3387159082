// Package scheduler runs periodic simulator jobs such as primary heartbeats.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"capsim/pkg/clock"
	"capsim/pkg/logger"

	"github.com/google/uuid"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Job is a task run every Interval.
type Job struct {
	ID       string
	Name     string
	Interval time.Duration
	NextRun  time.Time
	LastRun  time.Time
	Runs     int
	Status   string

	run func(ctx context.Context)
}

type Scheduler struct {
	clock  clock.Clock
	tick   time.Duration
	tasks  map[string]*Job
	mu     sync.RWMutex
	logger logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler checks for due jobs every tick.
func NewScheduler(clk clock.Clock, tick time.Duration, log logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		clock:  clk,
		tick:   tick,
		tasks:  make(map[string]*Job),
		logger: log,
		stop:   make(chan struct{}),
	}
}

// Schedule registers run under name. The first run is one interval from now.
func (s *Scheduler) Schedule(name string, interval time.Duration, run func(ctx context.Context)) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:       uuid.New().String(),
		Name:     name,
		Interval: interval,
		NextRun:  s.clock.Now().Add(interval),
		Status:   StatusActive,
		run:      run,
	}
	s.tasks[job.ID] = job

	s.logger.Info("Scheduled job", map[string]interface{}{
		"id":       job.ID,
		"name":     name,
		"interval": interval.String(),
	})
	return job.ID
}

func (s *Scheduler) Pause(id string) error {
	return s.setStatus(id, StatusPaused)
}

func (s *Scheduler) Resume(id string) error {
	return s.setStatus(id, StatusActive)
}

func (s *Scheduler) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Status = status
	return nil
}

// Cancel removes the job.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// Jobs returns a snapshot of the registered jobs ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.tasks))
	for _, j := range s.tasks {
		c := *j
		c.run = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the tick loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunDue(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
	s.logger.Info("Scheduler started", map[string]interface{}{"tick": s.tick.String()})
}

// Stop ends the tick loop and waits for it to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// RunDue runs every active job whose NextRun has passed and returns how many ran.
// Jobs run outside the lock, one after another.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.tasks {
		if job.Status == StatusActive && !now.Before(job.NextRun) {
			job.NextRun = now.Add(job.Interval)
			job.LastRun = now
			job.Runs++
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.execute(ctx, job)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", map[string]interface{}{
				"id":    job.ID,
				"name":  job.Name,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	s.logger.Debug("Executing job", map[string]interface{}{"id": job.ID, "name": job.Name})
	job.run(ctx)
}
