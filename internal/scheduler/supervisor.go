package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
//
// SUPERVISOR
//
// Cron-driven background jobs around the strategy tasks: dead-task
// reaping, breaker cooldown sweeps and the store health probe all run
// here on fixed schedules.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Job is one periodic maintenance task.
type Job interface {
	Name() string
	Run() error
}

type jobFunc struct {
	name string
	fn   func() error
}

func (j jobFunc) Name() string { return j.name }
func (j jobFunc) Run() error   { return j.fn() }

// NewJob adapts a plain function into a Job.
func NewJob(name string, fn func() error) Job {
	return jobFunc{name: name, fn: fn}
}

// Supervisor schedules jobs with second-level cron specs.
type Supervisor struct {
	cron *cron.Cron
}

// NewSupervisor creates an idle supervisor. Jobs run only after Start.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		cron: cron.New(cron.WithSeconds()),
	}
}

// Add schedules a job. Spec uses the 6-field cron syntax or descriptors
// like "@every 30s".
func (s *Supervisor) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job.Run(); err != nil {
			log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("❌ Supervisor job failed")
			return
		}
		log.Debug().Str("job", job.Name()).Msg("Supervisor job completed")
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("job", job.Name()).
		Str("schedule", spec).
		Msg("📋 Supervisor job scheduled")
	return nil
}

// Start launches the cron loop in its own goroutine.
func (s *Supervisor) Start() {
	s.cron.Start()
	log.Info().Msg("⏰ Supervisor started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Supervisor) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("⏰ Supervisor stopped")
}
