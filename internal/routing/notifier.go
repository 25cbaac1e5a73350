package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	// RefreshChannel carries registry change notifications between instances.
	RefreshChannel = "routes.refresh"
	versionKey     = "routes:version"
)

// Notifier fans registry changes out to every running instance.
type Notifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewNotifier constructs a notifier. A nil client disables it.
func NewNotifier(client *redis.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger}
}

// Publish bumps the registry version and announces it.
func (n *Notifier) Publish(ctx context.Context) (int64, error) {
	if n == nil || n.client == nil {
		return 0, nil
	}
	version, err := n.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("routing: bump version: %w", err)
	}
	if err := n.client.Publish(ctx, RefreshChannel, strconv.FormatInt(version, 10)).Err(); err != nil {
		return 0, fmt.Errorf("routing: publish refresh: %w", err)
	}
	return version, nil
}

// Version returns the last published registry version, 0 if none.
func (n *Notifier) Version(ctx context.Context) (int64, error) {
	if n == nil || n.client == nil {
		return 0, nil
	}
	v, err := n.client.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Listen subscribes to refresh notifications and calls fn for each one until
// ctx is done. It returns once the subscription is confirmed.
func (n *Notifier) Listen(ctx context.Context, fn func(context.Context)) error {
	if n == nil || n.client == nil {
		return nil
	}
	sub := n.client.Subscribe(ctx, RefreshChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("routing: subscribe %s: %w", RefreshChannel, err)
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.logger.Debug("route refresh notification", slog.String("version", msg.Payload))
				fn(ctx)
			}
		}
	}()
	return nil
}
