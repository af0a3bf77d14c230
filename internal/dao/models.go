package dao

import (
	"time"

	"github.com/newsroom/courier"
)

const TaskStatusPending = "pending"
const TaskStatusProcessing = "processing"
const TaskStatusCompleted = "completed"
const TaskStatusError = "error"

const TrackingStatusDelivered = "delivered"
const TrackingStatusFailed = "failed"

// EmailTask is one entry of the outbound queue. It is created as pending by a
// producer and only ever advanced forward by the queue processor,
// pending -> processing -> completed or error.
type EmailTask struct {
	ID      string `db:"id" json:"id"`
	To      string `db:"to_" json:"to"`
	From    string `db:"from_" json:"from,omitempty"`
	Subject string `db:"subject" json:"subject"`
	HTML    string `db:"html" json:"html"`
	Cc      string `db:"cc" json:"cc,omitempty"`
	Bcc     string `db:"bcc" json:"bcc,omitempty"`
	ReplyTo string `db:"reply_to" json:"replyTo,omitempty"`

	TrackingID string `db:"tracking_id" json:"trackingId,omitempty"`

	Status string `db:"status" json:"status"`
	Error  string `db:"error" json:"error,omitempty"`

	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	ProcessingStarted *time.Time `db:"processing_started" json:"processingStarted,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	ErrorAt           *time.Time `db:"error_at" json:"errorAt,omitempty"`
}

// Email returns the deliverable payload of the task.
func (t EmailTask) Email() *courier.Email {
	return &courier.Email{
		To:      t.To,
		From:    t.From,
		Subject: t.Subject,
		HTML:    t.HTML,
		Cc:      t.Cc,
		Bcc:     t.Bcc,
		ReplyTo: t.ReplyTo,
	}
}

// Tracking is the per delivery record a task may reference. It carries the
// aggregate keys, campaign and subscriber, that successful deliveries roll up
// into.
type Tracking struct {
	ID           string     `db:"id" json:"id"`
	Status       string     `db:"status" json:"status,omitempty"`
	Error        string     `db:"error" json:"error,omitempty"`
	SentAt       *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	ErrorAt      *time.Time `db:"error_at" json:"errorAt,omitempty"`
	CampaignID   string     `db:"campaign_id" json:"campaignId,omitempty"`
	SubscriberID string     `db:"subscriber_id" json:"subscriberId,omitempty"`
}

type Campaign struct {
	ID             string `db:"id" json:"id"`
	Name           string `db:"name" json:"name,omitempty"`
	StatsDelivered int64  `db:"stats_delivered" json:"statsDelivered"`
}

type Subscriber struct {
	ID            string     `db:"id" json:"id"`
	Email         string     `db:"email" json:"email,omitempty"`
	EmailsSent    int64      `db:"emails_sent" json:"emailsSent"`
	LastEmailSent *time.Time `db:"last_email_sent" json:"lastEmailSent,omitempty"`
}
