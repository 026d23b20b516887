package twitchapi

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/twitch-chatbot/backend/ratelimit"
)

// Session is one credential shared by every call issued as that identity. It owns
// the rate limit bucket and the refresh lock; the token is swapped atomically so
// concurrent readers always see a complete snapshot.
type Session struct {
	name      string
	anonymous bool
	bucket    *ratelimit.Bucket
	token     atomic.Pointer[AccessToken]
	// refreshLock admits one refresh at a time; a weighted semaphore so the wait
	// can be bounded by a context.
	refreshLock *semaphore.Weighted
}

// NewSession returns a session for tok. A nil bucket gets a default Helix-sized one.
func NewSession(name string, tok *AccessToken, bucket *ratelimit.Bucket) *Session {
	s := newSession(name, bucket)
	s.token.Store(tok)
	return s
}

// NewAnonymousSession returns the designated no-auth session: requests carry only
// the Client-Id header.
func NewAnonymousSession(name string, bucket *ratelimit.Bucket) *Session {
	s := newSession(name, bucket)
	s.anonymous = true
	return s
}

func newSession(name string, bucket *ratelimit.Bucket) *Session {
	if bucket == nil {
		bucket = ratelimit.New(DefaultBucketCapacity, DefaultBucketPeriod)
	}
	return &Session{
		name:        name,
		bucket:      bucket,
		refreshLock: semaphore.NewWeighted(1),
	}
}

// Name identifies the session in logs and metrics.
func (s *Session) Name() string { return s.name }

// Anonymous reports whether this is the no-auth session.
func (s *Session) Anonymous() bool { return s.anonymous }

// RateLimiter returns the session's bucket.
func (s *Session) RateLimiter() *ratelimit.Bucket { return s.bucket }

// Token returns the current token snapshot, nil if none has been set.
func (s *Session) Token() *AccessToken { return s.token.Load() }

// ReplaceToken swaps in a new snapshot. Used when a token is obtained outside the
// request path (startup load, OAuth callback).
func (s *Session) ReplaceToken(tok *AccessToken) { s.token.Store(tok) }
