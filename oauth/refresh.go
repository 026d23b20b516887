// Package oauth schedules proactive token refreshes for live sessions. It performs
// jittered checks and refreshes a session when its expiry falls within a
// configured window, through the same single-flight path in-band 401s use.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/twitch-chatbot/backend/twitchapi"
)

const (
	defaultInterval = 5 * time.Minute
	defaultWindow   = 15 * time.Minute
	refreshTimeout  = 15 * time.Second
	maxPreJitter    = 5 * time.Second
)

// SessionRefresher refreshes one session's token. *twitchapi.Client implements it.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, s *twitchapi.Session) error
}

// StartRefresher launches a goroutine that periodically checks every session
// returned by sessions and refreshes those about to expire.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, r SessionRefresher, sessions func() []*twitchapi.Session, interval, window time.Duration) {
	go runRefresher(ctx, clockwork.NewRealClock(), r, sessions, interval, window)
}

func runRefresher(ctx context.Context, clock clockwork.Clock, r SessionRefresher, sessions func() []*twitchapi.Session, interval, window time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	if window <= 0 {
		window = defaultWindow
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-clock.After(initialJitter):
	}
	for {
		due := dueSessions(sessions(), clock.Now(), window)
		if len(due) > 0 {
			// Small pre-refresh jitter to avoid stampedes when many pods see same expiry
			//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
			pre := time.Duration(rand.Int63n(int64(maxPreJitter)))
			select {
			case <-ctx.Done():
				return
			case <-clock.After(pre):
			}
			RefreshAll(ctx, r, due)
		}

		// Per-iteration jitter (±20% of interval) for scheduling diversity.
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		nextSleep := max(interval+jitter, interval/2)
		select {
		case <-ctx.Done():
			return
		case <-clock.After(nextSleep):
		}
	}
}

// dueSessions returns the sessions holding a refresh token that expires within window.
func dueSessions(all []*twitchapi.Session, now time.Time, window time.Duration) []*twitchapi.Session {
	var due []*twitchapi.Session
	for _, s := range all {
		if s == nil || s.Anonymous() {
			continue
		}
		tok := s.Token()
		if tok == nil || tok.RefreshToken == "" {
			continue
		}
		if tok.ExpiresWithin(now, window) {
			due = append(due, s)
		}
	}
	return due
}

// RefreshAll refreshes each session in turn and returns how many succeeded.
// Failures are logged; the next tick retries them.
func RefreshAll(ctx context.Context, r SessionRefresher, sessions []*twitchapi.Session) int {
	ok := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return ok
		}
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		err := r.RefreshSession(rctx, s)
		cancel()
		if err != nil {
			slog.Warn("token refresh failed", slog.String("component", "oauth_refresher"), slog.String("session", s.Name()), slog.Any("err", err))
			continue
		}
		ok++
		slog.Info("token refreshed proactively", slog.String("component", "oauth_refresher"), slog.String("session", s.Name()))
	}
	return ok
}
