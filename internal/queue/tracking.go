package queue

import (
	"errors"
	"time"

	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/tools"
	"github.com/sirupsen/logrus"
)

// Propagator pushes a task's terminal outcome into its tracking record and,
// on success, into the campaign and subscriber aggregates. All inconsistencies
// are soft: a missing record is logged and skipped, it never fails the task.
type Propagator struct {
	db  dao.DAO
	log *logrus.Logger
}

func NewPropagator(db dao.DAO, lc *tools.Logger) *Propagator {
	return &Propagator{
		db:  db,
		log: lc.New("tracking"),
	}
}

func (p *Propagator) OnSuccess(trackingID string) {
	if trackingID == "" {
		return
	}
	log := p.log.WithField("tracking", trackingID)

	tracking, err := p.db.GetTracking(trackingID)
	if errors.Is(err, dao.ErrNotFound) {
		log.Warn("tracking record does not exist, skipping propagation")
		return
	}
	if err != nil {
		log.WithError(err).Warn("could not read tracking record, skipping propagation")
		return
	}

	now := time.Now().In(time.UTC)

	err = p.db.MarkTrackingDelivered(trackingID, now)
	if err != nil {
		log.WithError(err).Warn("could not mark tracking as delivered")
	}

	if tracking.CampaignID != "" {
		err = p.db.IncrementCampaignDelivered(tracking.CampaignID)
		if err != nil {
			log.WithError(err).WithField("campaign", tracking.CampaignID).Warn("could not increment campaign stats")
		}
	}

	if tracking.SubscriberID != "" {
		err = p.db.IncrementSubscriberSent(tracking.SubscriberID, now)
		if err != nil {
			log.WithError(err).WithField("subscriber", tracking.SubscriberID).Warn("could not increment subscriber stats")
		}
	}
}

func (p *Propagator) OnFailure(trackingID string, message string) {
	if trackingID == "" {
		return
	}
	log := p.log.WithField("tracking", trackingID)

	// Re-fetch before writing, the record may have been removed since the task
	// was picked up. Counters are left untouched on failure.
	_, err := p.db.GetTracking(trackingID)
	if errors.Is(err, dao.ErrNotFound) {
		log.Warn("tracking record no longer exists, skipping failure propagation")
		return
	}
	if err != nil {
		log.WithError(err).Warn("could not read tracking record, skipping failure propagation")
		return
	}

	err = p.db.MarkTrackingFailed(trackingID, message, time.Now().In(time.UTC))
	if err != nil {
		log.WithError(err).Warn("could not mark tracking as failed")
	}
}
