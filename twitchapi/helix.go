package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Helix binds a few endpoints to one session. Every call goes through Client.Execute.
type Helix struct {
	Client  *Client
	Session *Session
}

// User is the subset of /users the bot needs.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream is the subset of /streams the bot needs.
type Stream struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

// VideoMeta describes one archived video.
type VideoMeta struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"created_at"`
}

func (h *Helix) get(ctx context.Context, path string, q url.Values, out any) error {
	uri := path
	if len(q) > 0 {
		uri += "?" + q.Encode()
	}
	resp, err := h.Client.Execute(ctx, http.MethodGet, uri, h.Session, nil)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return fmt.Errorf("helix %s: %w", path, resp.Err)
	}
	if !resp.OK() {
		return resp.APIError()
	}
	return resp.Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (h *Helix) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := h.get(ctx, "users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetStreams returns the live stream of userLogin, empty when offline.
func (h *Helix) GetStreams(ctx context.Context, userLogin string) ([]Stream, error) {
	if userLogin == "" {
		return nil, fmt.Errorf("user login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := h.get(ctx, "streams", url.Values{"user_login": {userLogin}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// ListVideos lists archive videos for a user.
func (h *Helix) ListVideos(ctx context.Context, userID, after string, first int) ([]VideoMeta, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []VideoMeta `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := h.get(ctx, "videos", q, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}
