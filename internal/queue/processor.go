package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/internal/transport"
	"github.com/newsroom/courier/tools"
	"github.com/sirupsen/logrus"
)

// Processor runs one task through its lifecycle,
// pending -> processing -> completed or error.
type Processor struct {
	db    dao.DAO
	track *Propagator
	log   *logrus.Logger
}

func NewProcessor(db dao.DAO, lc *tools.Logger) *Processor {
	return &Processor{
		db:    db,
		track: NewPropagator(db, lc),
		log:   lc.New("processor"),
	}
}

// Process attempts delivery of one pending task over the given channel.
//
// The processing mark is persisted before any external call, so a crash mid
// pipeline leaves the task claimed rather than silently re-deliverable. A lost
// claim race surfaces as dao.ErrAlreadyClaimed and means another drain owns
// the task. Delivery failures land the task in error with the message
// captured, there is no automatic retry.
func (p *Processor) Process(ctx context.Context, channel transport.Channel, task dao.EmailTask) error {
	log := p.log.WithField("task", task.ID)

	err := p.db.ClaimTask(task.ID)
	if errors.Is(err, dao.ErrAlreadyClaimed) {
		log.Debug("task was claimed by a concurrent drain, skipping")
		return err
	}
	if err != nil {
		return fmt.Errorf("could not claim task %s: %w", task.ID, err)
	}

	if task.TrackingID != "" {
		_, err = p.db.GetTracking(task.TrackingID)
		if errors.Is(err, dao.ErrNotFound) {
			log.WithField("tracking", task.TrackingID).Warn("task references a tracking record that does not exist")
		}
	}

	messageID, err := channel.Send(ctx, task.Email())
	if err != nil {
		p.track.OnFailure(task.TrackingID, err.Error())

		ferr := p.db.FailTask(task.ID, err.Error())
		if ferr != nil {
			log.WithError(ferr).Error("could not mark task as error")
		}
		return fmt.Errorf("could not deliver task %s: %w", task.ID, err)
	}

	_ = p.db.AddTaskLogEntry(task.ID, fmt.Sprintf("delivered with message id %s", messageID))

	p.track.OnSuccess(task.TrackingID)

	err = p.db.CompleteTask(task.ID)
	if err != nil {
		return fmt.Errorf("could not mark task %s as completed: %w", task.ID, err)
	}

	log.WithField("message_id", messageID).Debug("task completed")
	return nil
}
