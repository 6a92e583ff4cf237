package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ChannelThumbsDown carries rating ids of new negative feedback.
const ChannelThumbsDown = "thumbs_down_created"

// Listen runs a LISTEN loop on a dedicated connection, invoking handle
// with each notification payload. On connection loss it backs off and
// reconnects; notifications raised while disconnected are lost, which
// is why consumers pair Listen with a periodic sweep. Listen returns
// when ctx is cancelled.
func (s *Store) Listen(ctx context.Context, channel string, handle func(payload string)) error {
	backoff := time.Second
	for {
		if err := s.listenOnce(ctx, channel, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("listener disconnected, reconnecting",
				"channel", channel, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return nil
	}
}

func (s *Store) listenOnce(ctx context.Context, channel string, handle func(payload string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q`, channel)); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", channel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		handle(notification.Payload)
	}
}
