package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned by ClaimTask when the conditional
// pending -> processing update affected no row, meaning another drain got
// there first.
var ErrAlreadyClaimed = errors.New("task already claimed")

type DAO interface {
	AddTask(task EmailTask) error
	GetTask(id string) (*EmailTask, error)
	GetPendingTasks(count int) ([]EmailTask, error)
	ClaimTask(id string) error
	CompleteTask(id string) error
	FailTask(id string, message string) error
	RequeueStuckTasks(olderThan time.Time) (int64, error)
	AddTaskLogEntry(id string, log string) error

	AddTracking(tracking Tracking) error
	GetTracking(id string) (*Tracking, error)
	MarkTrackingDelivered(id string, at time.Time) error
	MarkTrackingFailed(id string, message string, at time.Time) error

	AddCampaign(campaign Campaign) error
	GetCampaign(id string) (*Campaign, error)
	IncrementCampaignDelivered(id string) error

	AddSubscriber(subscriber Subscriber) error
	GetSubscriber(id string) (*Subscriber, error)
	IncrementSubscriberSent(id string, at time.Time) error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) AddTask(task EmailTask) (err error) {
	q := `
	INSERT INTO email_tasks (id, to_, from_, subject, html, cc, bcc, reply_to, tracking_id, status, created_at)
	VALUES (:id, :to_, :from_, :subject, :html, :cc, :bcc, :reply_to, :tracking_id, :status, :created_at)
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return fmt.Errorf("failed to get transaction, err %v", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().In(time.UTC)
	}

	_, err = tx.NamedExec(q, task)
	if err != nil {
		return fmt.Errorf("failed to insert into email_tasks, err %v", err)
	}
	err = s.addTaskLogEntryTx(tx, task.ID, "task has been enqueued")
	return
}

func (s *sqlite) GetTask(id string) (*EmailTask, error) {
	q := `SELECT * FROM email_tasks WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var task EmailTask
	err = db.Get(&task, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no task with id %s, %w", id, ErrNotFound)
	}
	return &task, err
}

func (s *sqlite) GetPendingTasks(count int) (tasks []EmailTask, err error) {
	q := `
		SELECT *
		FROM email_tasks
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	err = tx.Select(&tasks, q, count)
	if err != nil {
		return
	}

	for _, task := range tasks {
		err = s.addTaskLogEntryTx(tx, task.ID, "selected for drain")
		if err != nil {
			return
		}
	}
	return tasks, err
}

func (s *sqlite) ClaimTask(id string) (err error) {
	q := `
		UPDATE email_tasks
		SET status = 'processing', processing_started = ?
		WHERE id = ?
		  AND status = 'pending'
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(q, time.Now().In(time.UTC), id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("could not claim task %s, %w", id, ErrAlreadyClaimed)
		return
	}

	err = s.addTaskLogEntryTx(tx, id, "claimed for processing")
	return
}

func (s *sqlite) CompleteTask(id string) error {
	q := `
		UPDATE email_tasks
		SET status = 'completed', completed_at = ?, error = ''
		WHERE id = ?
		  AND status = 'processing'
	`
	return s.advanceTask(q, id, "marked as completed", time.Now().In(time.UTC), id)
}

func (s *sqlite) FailTask(id string, message string) error {
	q := `
		UPDATE email_tasks
		SET status = 'error', error_at = ?, error = ?
		WHERE id = ?
		  AND status = 'processing'
	`
	return s.advanceTask(q, id, "marked as error: "+message, time.Now().In(time.UTC), message, id)
}

// advanceTask moves a processing task to a terminal status. The status guard in
// the query keeps transitions monotonic, a terminal task is never overwritten.
func (s *sqlite) advanceTask(q string, id string, log string, args ...interface{}) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(q, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("could not advance task %s, %d rows affected", id, affected)
		return
	}
	err = s.addTaskLogEntryTx(tx, id, log)
	return
}

func (s *sqlite) RequeueStuckTasks(olderThan time.Time) (int64, error) {
	q := `
		UPDATE email_tasks
		SET status = 'pending', processing_started = NULL
		WHERE status = 'processing'
		  AND processing_started <= ?
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, olderThan.In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlite) AddTaskLogEntry(id string, log string) error {
	tx, err := s.getTX()
	if err != nil {
		return err
	}
	err = s.addTaskLogEntryTx(tx, id, log)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlite) addTaskLogEntryTx(tx *sqlx.Tx, id string, log string) error {
	q := `
	INSERT INTO task_log (task_id, created_at, log)
	VALUES (?, ?, ?)
	`
	_, err := tx.Exec(q, id, time.Now().In(time.UTC), log)
	if err != nil {
		return fmt.Errorf("failed to insert log entry, %v", err)
	}
	return err
}

func (s *sqlite) AddTracking(tracking Tracking) error {
	q := `
	INSERT INTO tracking (id, status, error, sent_at, error_at, campaign_id, subscriber_id)
	VALUES (:id, :status, :error, :sent_at, :error_at, :campaign_id, :subscriber_id)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, tracking)
	return err
}

func (s *sqlite) GetTracking(id string) (*Tracking, error) {
	q := `SELECT * FROM tracking WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var tracking Tracking
	err = db.Get(&tracking, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no tracking with id %s, %w", id, ErrNotFound)
	}
	return &tracking, err
}

func (s *sqlite) MarkTrackingDelivered(id string, at time.Time) error {
	q := `UPDATE tracking SET status = 'delivered', sent_at = ? WHERE id = ?`
	return s.updateOne(q, "tracking", id, at.In(time.UTC), id)
}

func (s *sqlite) MarkTrackingFailed(id string, message string, at time.Time) error {
	q := `UPDATE tracking SET status = 'failed', error = ?, error_at = ? WHERE id = ?`
	return s.updateOne(q, "tracking", id, message, at.In(time.UTC), id)
}

func (s *sqlite) AddCampaign(campaign Campaign) error {
	q := `
	INSERT INTO campaigns (id, name, stats_delivered)
	VALUES (:id, :name, :stats_delivered)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, campaign)
	return err
}

func (s *sqlite) GetCampaign(id string) (*Campaign, error) {
	q := `SELECT * FROM campaigns WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var campaign Campaign
	err = db.Get(&campaign, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no campaign with id %s, %w", id, ErrNotFound)
	}
	return &campaign, err
}

// IncrementCampaignDelivered bumps the delivered counter in place. Concurrent
// completions touching the same campaign must not lose updates, so the
// increment happens in the store, never as read-modify-write in the process.
func (s *sqlite) IncrementCampaignDelivered(id string) error {
	q := `UPDATE campaigns SET stats_delivered = stats_delivered + 1 WHERE id = ?`
	return s.updateOne(q, "campaign", id, id)
}

func (s *sqlite) AddSubscriber(subscriber Subscriber) error {
	q := `
	INSERT INTO subscribers (id, email, emails_sent, last_email_sent)
	VALUES (:id, :email, :emails_sent, :last_email_sent)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, subscriber)
	return err
}

func (s *sqlite) GetSubscriber(id string) (*Subscriber, error) {
	q := `SELECT * FROM subscribers WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var subscriber Subscriber
	err = db.Get(&subscriber, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no subscriber with id %s, %w", id, ErrNotFound)
	}
	return &subscriber, err
}

func (s *sqlite) IncrementSubscriberSent(id string, at time.Time) error {
	q := `UPDATE subscribers SET emails_sent = emails_sent + 1, last_email_sent = ? WHERE id = ?`
	return s.updateOne(q, "subscriber", id, at.In(time.UTC), id)
}

func (s *sqlite) updateOne(q string, kind string, id string, args ...interface{}) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no %s with id %s, %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS email_tasks (
	    id TEXT PRIMARY KEY,

	    to_      TEXT NOT NULL,
	    from_    TEXT NOT NULL DEFAULT '',
	    subject  TEXT NOT NULL,
	    html     TEXT NOT NULL,
	    cc       TEXT NOT NULL DEFAULT '',
	    bcc      TEXT NOT NULL DEFAULT '',
	    reply_to TEXT NOT NULL DEFAULT '',

	    tracking_id TEXT NOT NULL DEFAULT '',

	    status TEXT NOT NULL DEFAULT 'pending', -- pending, processing, completed, error
	    error  TEXT NOT NULL DEFAULT '',

		created_at         DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		processing_started DATETIME,
		completed_at       DATETIME,
		error_at           DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_email_tasks_pending ON email_tasks(created_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS task_log (
	    task_id TEXT NOT NULL,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    log TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracking (
	    id TEXT PRIMARY KEY,
	    status TEXT NOT NULL DEFAULT '', -- '', delivered, failed
	    error  TEXT NOT NULL DEFAULT '',
	    sent_at  DATETIME,
	    error_at DATETIME,
	    campaign_id   TEXT NOT NULL DEFAULT '',
	    subscriber_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS campaigns (
	    id TEXT PRIMARY KEY,
	    name TEXT NOT NULL DEFAULT '',
	    stats_delivered INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS subscribers (
	    id TEXT PRIMARY KEY,
	    email TEXT NOT NULL DEFAULT '',
	    emails_sent INTEGER NOT NULL DEFAULT 0,
	    last_email_sent DATETIME
	);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
