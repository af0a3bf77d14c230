package dao

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "courier.sqlite"))
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	return db
}

func pendingTask(id string) EmailTask {
	return EmailTask{
		ID:      id,
		To:      "to@example.com",
		Subject: "Test",
		HTML:    "<p>The content</p>",
		Status:  TaskStatusPending,
	}
}

func TestAddAndGetTask(t *testing.T) {
	db := setup(t)

	task := pendingTask("task0")
	task.Cc = "cc@example.com"
	task.TrackingID = "tr0"
	require.NoError(t, db.AddTask(task))

	got, err := db.GetTask("task0")
	require.NoError(t, err)
	assert.Equal(t, "to@example.com", got.To)
	assert.Equal(t, "cc@example.com", got.Cc)
	assert.Equal(t, "tr0", got.TrackingID)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.ProcessingStarted)

	_, err = db.GetTask("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPendingTasksOrderAndLimit(t *testing.T) {
	db := setup(t)

	now := time.Now().In(time.UTC)
	for i := 0; i < 5; i++ {
		task := pendingTask(fmt.Sprintf("task%d", i))
		task.CreatedAt = now.Add(time.Duration(-i) * time.Minute) // task4 is oldest
		require.NoError(t, db.AddTask(task))
	}

	tasks, err := db.GetPendingTasks(3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "task4", tasks[0].ID)
	assert.Equal(t, "task3", tasks[1].ID)
	assert.Equal(t, "task2", tasks[2].ID)
}

func TestClaimTaskIsConditional(t *testing.T) {
	db := setup(t)
	require.NoError(t, db.AddTask(pendingTask("task0")))

	require.NoError(t, db.ClaimTask("task0"))

	got, err := db.GetTask("task0")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingStarted)

	// second claim loses the race
	err = db.ClaimTask("task0")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// claimed tasks are no longer eligible for selection
	tasks, err := db.GetPendingTasks(10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTerminalTransitionsAreMonotonic(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.AddTask(pendingTask("task0")))
	require.NoError(t, db.ClaimTask("task0"))
	require.NoError(t, db.CompleteTask("task0"))

	got, err := db.GetTask("task0")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// a terminal task cannot be failed afterwards
	assert.Error(t, db.FailTask("task0", "too late"))

	require.NoError(t, db.AddTask(pendingTask("task1")))
	require.NoError(t, db.ClaimTask("task1"))
	require.NoError(t, db.FailTask("task1", "smtp transfer failed"))

	got, err = db.GetTask("task1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusError, got.Status)
	assert.Equal(t, "smtp transfer failed", got.Error)
	assert.NotNil(t, got.ErrorAt)

	// completing a pending task without a claim is rejected
	require.NoError(t, db.AddTask(pendingTask("task2")))
	assert.Error(t, db.CompleteTask("task2"))
}

func TestRequeueStuckTasks(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.AddTask(pendingTask("stuck")))
	require.NoError(t, db.AddTask(pendingTask("fresh")))
	require.NoError(t, db.ClaimTask("stuck"))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, db.ClaimTask("fresh"))

	n, err := db.RequeueStuckTasks(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = db.RequeueStuckTasks(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	tasks, err := db.GetPendingTasks(10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestTrackingTransitions(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.AddTracking(Tracking{ID: "tr0", CampaignID: "c0", SubscriberID: "s0"}))

	now := time.Now().In(time.UTC)
	require.NoError(t, db.MarkTrackingDelivered("tr0", now))

	got, err := db.GetTracking("tr0")
	require.NoError(t, err)
	assert.Equal(t, TrackingStatusDelivered, got.Status)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, "c0", got.CampaignID)

	require.NoError(t, db.MarkTrackingFailed("tr0", "bounced", now))
	got, err = db.GetTracking("tr0")
	require.NoError(t, err)
	assert.Equal(t, TrackingStatusFailed, got.Status)
	assert.Equal(t, "bounced", got.Error)

	assert.ErrorIs(t, db.MarkTrackingDelivered("missing", now), ErrNotFound)
	_, err = db.GetTracking("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAggregateIncrements(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.AddCampaign(Campaign{ID: "c0", Name: "weekly"}))
	require.NoError(t, db.AddSubscriber(Subscriber{ID: "s0", Email: "sub@example.com"}))

	require.NoError(t, db.IncrementCampaignDelivered("c0"))
	require.NoError(t, db.IncrementCampaignDelivered("c0"))

	campaign, err := db.GetCampaign("c0")
	require.NoError(t, err)
	assert.EqualValues(t, 2, campaign.StatsDelivered)

	now := time.Now().In(time.UTC)
	require.NoError(t, db.IncrementSubscriberSent("s0", now))

	subscriber, err := db.GetSubscriber("s0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, subscriber.EmailsSent)
	assert.NotNil(t, subscriber.LastEmailSent)

	assert.ErrorIs(t, db.IncrementCampaignDelivered("missing"), ErrNotFound)
	assert.ErrorIs(t, db.IncrementSubscriberSent("missing", now), ErrNotFound)
}

func TestConcurrentSubscriberIncrements(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.AddSubscriber(Subscriber{ID: "s0", EmailsSent: 3}))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.IncrementSubscriberSent("s0", time.Now().In(time.UTC))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	subscriber, err := db.GetSubscriber("s0")
	require.NoError(t, err)
	assert.EqualValues(t, 3+n, subscriber.EmailsSent)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	db := setup(t)
	require.NoError(t, db.AddTask(pendingTask("task0")))

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- db.ClaimTask("task0")
		}()
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyClaimed):
			lost++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, lost)
}
