package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/libris/libris/internal/jobs"
	"github.com/libris/libris/internal/routing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoutesRefresh rebuilds the route registry and tells every instance to reload it.
	TaskRoutesRefresh = "routes:refresh"
)

// RoutesRefreshPayload describes who asked for a refresh.
type RoutesRefreshPayload struct {
	Reason string `json:"reason"`
}

// Refresher rebuilds a registry from its source.
type Refresher interface {
	Refresh(ctx context.Context) (*routing.Registry, error)
}

// Publisher announces a registry change.
type Publisher interface {
	Publish(ctx context.Context) (int64, error)
}

// RoutesRefreshJob validates the route source and broadcasts the change.
type RoutesRefreshJob struct {
	Refresher Refresher
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewRoutesRefreshTask creates the Asynq task. An empty reason becomes "manual".
func NewRoutesRefreshTask(reason string) (*asynq.Task, error) {
	if reason == "" {
		reason = "manual"
	}
	body, err := json.Marshal(RoutesRefreshPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoutesRefresh, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the routes refresh job. A registry that fails to build is
// never announced so running instances keep serving the previous one.
func (j *RoutesRefreshJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Publisher == nil {
		return errors.New("routes refresh: dependencies not configured")
	}
	var payload RoutesRefreshPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskRoutesRefresh)
	defer func() {
		err = tracker.End(err)
	}()

	start := time.Now()
	routes := -1
	if j.Refresher != nil {
		reg, err := j.Refresher.Refresh(ctx)
		if err != nil {
			j.log().Error("rebuild route registry", slog.String("reason", payload.Reason), slog.Any("error", err))
			if errors.Is(err, routing.ErrSourceUnavailable) {
				return err
			}
			return errors.Join(err, asynq.SkipRetry)
		}
		routes = reg.Len()
	}

	version, err := j.Publisher.Publish(ctx)
	if err != nil {
		j.log().Error("publish route refresh", slog.Any("error", err))
		return err
	}
	j.log().Info("route registry refreshed",
		slog.String("reason", payload.Reason),
		slog.Int64("version", version),
		slog.Int("routes", routes),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *RoutesRefreshJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
