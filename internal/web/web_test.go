package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/newsroom/courier"
	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/internal/queue"
	"github.com/newsroom/courier/internal/transport"
	"github.com/newsroom/courier/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChannel struct {
	mu   sync.Mutex
	sent int
	seq  int
}

func (c *testChannel) Send(ctx context.Context, email *courier.Email) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.sent++
	return fmt.Sprintf("msg-%d", c.seq), nil
}

func (c *testChannel) Close() error { return nil }

func setup(t *testing.T, provision func(ctx context.Context) (transport.Channel, error)) (*httptest.Server, dao.DAO) {
	t.Helper()

	l := logrus.New()
	l.SetOutput(io.Discard)
	lc := tools.LoggerCloner(l)

	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "courier.sqlite"))
	require.NoError(t, err)

	if provision == nil {
		provision = func(ctx context.Context) (transport.Channel, error) {
			return &testChannel{}, nil
		}
	}

	drainer := queue.NewDrainer(queue.Config{BatchSize: 10, Workers: 2}, db, provision, lc)

	server := New(context.Background(), Config{}, lc, db, drainer, nil)
	ts := httptest.NewServer(server.router())
	t.Cleanup(ts.Close)

	return ts, db
}

func pendingTask(id string) dao.EmailTask {
	return dao.EmailTask{
		ID:      id,
		To:      id + "@example.com",
		Subject: "Test",
		HTML:    "<p>The content</p>",
		Status:  dao.TaskStatusPending,
	}
}

func TestProcessQueueEmpty(t *testing.T) {
	ts, _ := setup(t, nil)

	res, err := http.Post(ts.URL+"/queue/process", "text/plain", nil)
	require.NoError(t, err)
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "no pending tasks", string(body))
}

func TestProcessQueueDrainsTasks(t *testing.T) {
	ts, db := setup(t, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.AddTask(pendingTask(fmt.Sprintf("task%d", i))))
	}

	res, err := http.Post(ts.URL+"/queue/process", "text/plain", nil)
	require.NoError(t, err)
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "processed 3/3 tasks (0 failed)", string(body))
}

func TestProcessQueueProvisioningFailure(t *testing.T) {
	ts, db := setup(t, func(ctx context.Context) (transport.Channel, error) {
		return nil, &transport.ConfigError{Reason: "no smtp password is configured"}
	})

	require.NoError(t, db.AddTask(pendingTask("task0")))

	res, err := http.Post(ts.URL+"/queue/process", "text/plain", nil)
	require.NoError(t, err)
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, string(body), "no smtp password is configured")

	// all tasks untouched, safe to retry the whole batch next tick
	task, err := db.GetTask("task0")
	require.NoError(t, err)
	assert.Equal(t, dao.TaskStatusPending, task.Status)
}

func TestEnqueueTask(t *testing.T) {
	ts, db := setup(t, nil)

	payload := `{"to": "reader@example.com", "subject": "Weekly digest", "html": "<p>The content</p>", "trackingId": "tr0"}`
	res, err := http.Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.NotEmpty(t, got["id"])

	task, err := db.GetTask(got["id"])
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", task.To)
	assert.Equal(t, "tr0", task.TrackingID)
	assert.Equal(t, dao.TaskStatusPending, task.Status)
}

func TestEnqueueTaskValidation(t *testing.T) {
	ts, _ := setup(t, nil)

	for _, tc := range []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "no recipient",
			payload: `{"subject": "s", "html": "<p>x</p>"}`,
			want:    "a recipient must be provided",
		},
		{
			name:    "no subject",
			payload: `{"to": "reader@example.com", "html": "<p>x</p>"}`,
			want:    "a subject must be provided",
		},
		{
			name:    "no content",
			payload: `{"to": "reader@example.com", "subject": "s"}`,
			want:    "content of the email must be provided",
		},
		{
			name:    "bad address",
			payload: `{"to": "not-an-address", "subject": "s", "html": "<p>x</p>"}`,
			want:    "is not a valid email address",
		},
		{
			name:    "bad json",
			payload: `{`,
			want:    "could not parse body",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := http.Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(tc.payload))
			require.NoError(t, err)
			defer res.Body.Close()

			body, _ := io.ReadAll(res.Body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.Contains(t, string(body), tc.want)
		})
	}
}

func TestGetTask(t *testing.T) {
	ts, db := setup(t, nil)

	require.NoError(t, db.AddTask(pendingTask("task0")))

	res, err := http.Get(ts.URL + "/api/tasks/task0")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	var task dao.EmailTask
	require.NoError(t, json.NewDecoder(res.Body).Decode(&task))
	assert.Equal(t, "task0@example.com", task.To)

	res, err = http.Get(ts.URL + "/api/tasks/missing")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPing(t *testing.T) {
	ts, _ := setup(t, nil)

	res, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
