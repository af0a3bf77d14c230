package queue

import (
	"context"
	"sync"
	"time"

	"github.com/modfin/henry/compare"
	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/tools"
	"github.com/sirupsen/logrus"
)

type JanitorConfig struct {
	Interval  time.Duration `cli:"janitor-interval"`
	Threshold time.Duration `cli:"janitor-threshold"`
}

// Janitor re-queues tasks abandoned in processing, typically left behind by a
// process that died mid pipeline. A re-queued task may be delivered twice, the
// threshold should be well past any plausible in-flight duration.
type Janitor struct {
	cfg JanitorConfig
	db  dao.DAO
	log *logrus.Logger

	ostart  sync.Once
	ostop   sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func NewJanitor(cfg JanitorConfig, db dao.DAO, lc *tools.Logger) *Janitor {
	cfg.Interval = compare.Coalesce(cfg.Interval, 10*time.Minute)
	cfg.Threshold = compare.Coalesce(cfg.Threshold, 30*time.Minute)

	return &Janitor{
		cfg:     cfg,
		db:      db,
		log:     lc.New("janitor"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	j.ostart.Do(func() {
		j.log.Infof("starting janitor, interval %s, threshold %s", j.cfg.Interval, j.cfg.Threshold)
		go func() {
			defer close(j.stopped)

			ticker := time.NewTicker(j.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-j.done:
					return
				case <-ticker.C:
					j.sweep()
				}
			}
		}()
	})
}

func (j *Janitor) sweep() {
	n, err := j.db.RequeueStuckTasks(time.Now().Add(-j.cfg.Threshold))
	if err != nil {
		j.log.WithError(err).Error("could not requeue stuck tasks")
		return
	}
	if n > 0 {
		j.log.Warnf("requeued %d tasks stuck in processing", n)
	}
}

func (j *Janitor) Stop(ctx context.Context) error {
	var err error
	j.ostop.Do(func() {
		close(j.done)
		select {
		case <-j.stopped:
			j.log.Info("janitor has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
