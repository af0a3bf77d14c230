package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/modfin/henry/compare"
	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/internal/transport"
	"github.com/newsroom/courier/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var metricTasks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "courier_tasks_processed_total",
	Help: "Number of drained email tasks by outcome.",
}, []string{"outcome"})

var metricDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "courier_drain_duration_seconds",
	Help:    "Wall clock duration of a full drain cycle.",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

type Config struct {
	BatchSize int           `cli:"queue-batch-size"`
	Workers   int           `cli:"queue-workers"`
	Interval  time.Duration `cli:"queue-drain-interval"`
}

// Drainer is the queue entry point. Each Drain selects one bounded batch of
// pending tasks in creation order, provisions a single channel for the batch
// and fans the tasks out over a worker pool.
type Drainer struct {
	cfg       Config
	db        dao.DAO
	provision func(ctx context.Context) (transport.Channel, error)
	proc      *Processor
	log       *logrus.Logger

	pool *pond.WorkerPool

	ostart sync.Once
	ostop  sync.Once
	done   chan struct{}
}

func NewDrainer(cfg Config, db dao.DAO, provision func(ctx context.Context) (transport.Channel, error), lc *tools.Logger) *Drainer {
	cfg.BatchSize = compare.Coalesce(cfg.BatchSize, 50)
	cfg.Workers = compare.Coalesce(cfg.Workers, 10)

	return &Drainer{
		cfg:       cfg,
		db:        db,
		provision: provision,
		proc:      NewProcessor(db, lc),
		log:       lc.New("drainer"),
		pool:      pond.New(cfg.Workers, 0, pond.MinWorkers(1)),
		done:      make(chan struct{}),
	}
}

// Report is the aggregate outcome of one drain cycle. Skipped counts tasks
// another concurrent drain claimed first.
type Report struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`
}

func (r Report) String() string {
	if r.Total == 0 {
		return "no pending tasks"
	}
	s := fmt.Sprintf("processed %d/%d tasks (%d failed)", r.Succeeded, r.Total, r.Failed)
	if r.Skipped > 0 {
		s = fmt.Sprintf("%s, %d already claimed", s, r.Skipped)
	}
	return s
}

// Drain runs one cycle. An empty queue is a normal outcome. A provisioning
// failure aborts the whole batch before any task is touched, everything stays
// pending and the next tick can safely retry. Per task failures are isolated,
// they are counted and never escape the cycle.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	start := time.Now()

	tasks, err := d.db.GetPendingTasks(d.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("could not read pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		d.log.Debug("drain; queue is empty, nothing to do")
		return Report{}, nil
	}

	channel, err := d.provision(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("could not provision transport: %w", err)
	}
	defer func() {
		_ = channel.Close()
	}()

	d.log.Infof("drain; processing %d tasks", len(tasks))

	var succeeded, failed, skipped int64

	group := d.pool.Group()
	for _, task := range tasks {
		task := task
		group.Submit(func() {
			err := d.proc.Process(ctx, channel, task)
			switch {
			case errors.Is(err, dao.ErrAlreadyClaimed):
				atomic.AddInt64(&skipped, 1)
				metricTasks.WithLabelValues("skipped").Inc()
			case err != nil:
				atomic.AddInt64(&failed, 1)
				metricTasks.WithLabelValues("failed").Inc()
				d.log.WithError(err).WithField("task", task.ID).Error("drain; task failed")
			default:
				atomic.AddInt64(&succeeded, 1)
				metricTasks.WithLabelValues("succeeded").Inc()
			}
		})
	}
	group.Wait()

	metricDrainDuration.Observe(time.Since(start).Seconds())

	report := Report{
		Total:     len(tasks),
		Succeeded: int(succeeded),
		Failed:    int(failed),
		Skipped:   int(skipped),
	}
	d.log.Infof("drain; %s", report)
	return report, nil
}

// Start runs the optional self driving drain loop. The canonical trigger is
// the external scheduler hitting the HTTP endpoint, the loop covers
// deployments without one.
func (d *Drainer) Start() {
	d.ostart.Do(func() {
		if d.cfg.Interval <= 0 {
			return
		}
		d.log.Infof("starting drain loop, interval %s", d.cfg.Interval)
		go func() {
			for {
				select {
				case <-d.done:
					d.log.Info("drain loop stopping")
					return
				case <-time.After(d.cfg.Interval):
				}

				_, err := d.Drain(context.Background())
				if err != nil {
					d.log.WithError(err).Error("drain cycle failed")
				}
			}
		}()
	})
}

func (d *Drainer) Stop(ctx context.Context) error {
	var err error
	d.ostop.Do(func() {
		close(d.done)
		select {
		case <-d.pool.Stop().Done():
			d.log.Info("drainer has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
