package sync

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/log"
)

// Scheduler runs a job on a fixed interval.
type Scheduler struct {
	interval time.Duration
	job      func()
	cron     *cron.Cron
	entryID  cron.EntryID
	logger   *logrus.Entry
}

// NewScheduler creates a scheduler calling job every interval. Overlapping
// runs are skipped.
func NewScheduler(interval time.Duration, job func()) *Scheduler {
	return &Scheduler{
		interval: interval,
		job:      job,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   log.WithComponent("scheduler"),
	}
}

// Start registers the job and starts the cron runner.
func (s *Scheduler) Start() error {
	expr := fmt.Sprintf("@every %s", s.interval)
	id, err := s.cron.AddFunc(expr, func() {
		s.logger.Debug("Triggering scheduled sync")
		s.job()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sync job %q: %w", expr, err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.WithField("interval", s.interval).Info("Started scheduler")
	return nil
}

// Stop stops the runner and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Stopped scheduler")
}

// Next returns the next scheduled run, or the zero time if not started.
func (s *Scheduler) Next() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}
