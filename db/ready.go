package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// WaitReady pings p with exponential backoff until it answers or maxElapsed
// passes. Compose starts Postgres alongside the bot, so the first pings may fail.
func WaitReady(ctx context.Context, p Pinger, maxElapsed time.Duration) error {
	return waitReady(ctx, p, backoff.NewExponentialBackOff(), maxElapsed)
}

func waitReady(ctx context.Context, p Pinger, b backoff.BackOff, maxElapsed time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return struct{}{}, p.PingContext(pctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("database not ready, retrying",
				slog.String("component", "db"), slog.Duration("retry_in", next), slog.Any("err", err))
		}),
	)
	return err
}
