package twitchapi

import "log/slog"

// TokenRefreshed is published once per successful refresh.
type TokenRefreshed struct {
	Session *Session
	Token   *AccessToken
}

type subscriber struct {
	id int
	fn func(TokenRefreshed)
}

// Subscribe registers fn for token refresh events and returns a function that
// removes it. Subscribers run synchronously on the refreshing goroutine, in
// subscription order, after the session lock has been released.
func (c *Client) Subscribe(fn func(TokenRefreshed)) (unsubscribe func()) {
	if !c.configured() || fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) publish(ev TokenRefreshed) {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("token refresh subscriber panicked", slog.String("session", ev.Session.Name()), slog.Any("panic", r))
				}
			}()
			s.fn(ev)
		}()
	}
}
