package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/libris/libris/internal/jobs"
	"github.com/libris/libris/internal/routing"
)

type fakeRefresher struct {
	reg   *routing.Registry
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(context.Context) (*routing.Registry, error) {
	f.calls++
	return f.reg, f.err
}

type fakePublisher struct {
	published int
	err       error
}

func (f *fakePublisher) Publish(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.published++
	return int64(f.published), nil
}

func TestNewRoutesRefreshTaskPayload(t *testing.T) {
	task, err := NewRoutesRefreshTask("")
	require.NoError(t, err)
	assert.Equal(t, TaskRoutesRefresh, task.Type())

	var payload RoutesRefreshPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "manual", payload.Reason)
}

func TestRoutesRefreshJobPublishesAfterRebuild(t *testing.T) {
	reg := routing.NewRegistry("en")
	require.NoError(t, reg.Register(routing.Route{ID: "home", Path: "/"}))
	refresher := &fakeRefresher{reg: reg}
	pub := &fakePublisher{}
	job := &RoutesRefreshJob{Refresher: refresher, Publisher: pub, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	task, err := NewRoutesRefreshTask("cron")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 1, pub.published)
}

func TestRoutesRefreshJobFailures(t *testing.T) {
	task, err := NewRoutesRefreshTask("cron")
	require.NoError(t, err)

	pub := &fakePublisher{}
	invalid := &RoutesRefreshJob{
		Refresher: &fakeRefresher{err: routing.ErrInvalidRoute},
		Publisher: pub,
	}
	err = invalid.Handle(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, pub.published)

	down := &RoutesRefreshJob{
		Refresher: &fakeRefresher{err: routing.ErrSourceUnavailable},
		Publisher: pub,
	}
	err = down.Handle(context.Background(), task)
	assert.ErrorIs(t, err, routing.ErrSourceUnavailable)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	boom := errors.New("redis down")
	noPublish := &RoutesRefreshJob{Publisher: &fakePublisher{err: boom}}
	assert.ErrorIs(t, noPublish.Handle(context.Background(), task), boom)

	var unset *RoutesRefreshJob
	assert.Error(t, unset.Handle(context.Background(), task))

	bad := asynq.NewTask(TaskRoutesRefresh, []byte("{"))
	assert.ErrorIs(t, (&RoutesRefreshJob{Publisher: pub}).Handle(context.Background(), bad), asynq.SkipRetry)
}

func TestClientEnqueueRoutesRefreshIsUnique(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.EnqueueRoutesRefresh(context.Background()))
	require.NoError(t, client.EnqueueRoutesRefresh(context.Background()))

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHealthWithoutInspector(t *testing.T) {
	h := NewHandler(nil, nil)
	rr := httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"retry":0}`, rr.Body.String())
}
