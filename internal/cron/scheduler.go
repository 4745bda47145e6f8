package cron

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the suite once and returns its exit status.
type RunFunc func() int

// Scheduler repeats a suite run on a cron schedule. A run that is still in
// progress when the next one is due causes that one to be skipped.
type Scheduler struct {
	c   *cron.Cron
	run RunFunc

	mu       sync.Mutex
	runs     int
	failures int
	last     int
}

func NewScheduler(run RunFunc) *Scheduler {
	return &Scheduler{
		c:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		run: run,
	}
}

// Start schedules the run with a standard five-field spec or a descriptor
// such as "@every 5m".
func (s *Scheduler) Start(spec string) error {
	if s.run == nil {
		return fmt.Errorf("no run function")
	}
	if _, err := s.c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.c.Start()
	return nil
}

func (s *Scheduler) tick() {
	start := time.Now()
	status := s.run()

	s.mu.Lock()
	s.runs++
	s.last = status
	if status != 0 {
		s.failures++
	}
	runs, failures := s.runs, s.failures
	s.mu.Unlock()

	ev := log.Info()
	if status != 0 {
		ev = log.Warn()
	}
	ev.Int("status", status).
		Int("runs", runs).
		Int("failures", failures).
		Dur("took", time.Since(start)).
		Msg("scheduled suite run finished")
}

// Stats returns the number of completed runs, how many failed and the exit
// status of the latest one.
func (s *Scheduler) Stats() (runs, failures, last int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.failures, s.last
}

// Stop prevents further runs and waits for a run in progress to finish.
func (s *Scheduler) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}
