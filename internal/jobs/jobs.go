// Package jobs runs the periodic background work of the control plane.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type StationLister interface {
	Stations() []string
}

type VersionRequester interface {
	RequestVersion(ctx context.Context, stationId string) (string, error)
}

// LocalListAudit asks every connected station for its local list version. The
// answers reconcile stored lists that drifted from what the station holds.
type LocalListAudit struct {
	Stations  StationLister
	Requester VersionRequester
	Timeout   time.Duration
	Log       *logrus.Entry
}

func (a *LocalListAudit) Run() {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ids := a.Stations.Stations()
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := a.Requester.RequestVersion(ctx, id); err != nil {
			failed++
			a.Log.WithError(err).WithField("station_id", id).Warn("local list audit request failed")
		}
	}
	a.Log.WithFields(logrus.Fields{"stations": len(ids), "failed": failed}).Info("local list audit done")
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry
}

func NewScheduler(log *logrus.Entry) *Scheduler {
	log = log.WithField("component", "jobs")
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		log:  log,
	}
}

// Add schedules job under spec (standard five fields or descriptors such as
// "@every 1h"). An empty spec leaves the job unscheduled.
func (s *Scheduler) Add(name, spec string, job cron.Job) error {
	if spec == "" {
		s.log.WithField("job", name).Info("job disabled")
		return nil
	}
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.WithFields(logrus.Fields{"job": name, "spec": spec}).Info("job scheduled")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct{ log *logrus.Entry }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.WithError(err).WithFields(fields(kv)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
