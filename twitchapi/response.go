package twitchapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// StatusTransportError is the status of a synthetic response built when no HTTP
// response was received (DNS, connect, timeout).
const StatusTransportError = 0

// Response is the outcome of one logical call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Err is the transport failure behind a synthetic response, nil otherwise.
	Err error
	// Retried is set when the call was replayed after a token refresh.
	Retried bool
}

// Envelope is the canonical error body substituted for non-JSON and transport
// failure bodies. Helix error responses share the same shape.
type Envelope struct {
	Status  int    `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// APIError is a non-2xx Helix answer surfaced by the endpoint bindings.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Reason != "" && e.Message != "":
		return fmt.Sprintf("helix %d %s: %s", e.Status, e.Reason, e.Message)
	case e.Message != "":
		return fmt.Sprintf("helix %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("helix %d", e.Status)
	}
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode helix response (status %d): %w", r.StatusCode, err)
	}
	return nil
}

// Envelope decodes the body as the canonical error shape. Fields the body lacks are
// filled from the status code.
func (r *Response) Envelope() Envelope {
	var env Envelope
	_ = json.Unmarshal(r.Body, &env)
	if env.Status == 0 {
		env.Status = r.StatusCode
	}
	if env.Message == "" && env.Error == "" {
		env.Message = http.StatusText(r.StatusCode)
	}
	return env
}

// APIError describes a non-2xx response as an error.
func (r *Response) APIError() *APIError {
	env := r.Envelope()
	return &APIError{Status: r.StatusCode, Reason: env.Error, Message: env.Message}
}

// normalize rewrites non-JSON bodies into the canonical envelope unless they
// already look like a JSON object.
func (r *Response) normalize() {
	if isJSONContentType(r.Header.Get("Content-Type")) {
		return
	}
	text := string(r.Body)
	if looksLikeJSONObject(text) {
		return
	}
	r.Body = encodeEnvelope(Envelope{Status: r.StatusCode, Message: text})
	r.Header = r.Header.Clone()
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set("Content-Type", "application/json")
}

// transportFailure builds the synthetic response for a request that got no answer.
func transportFailure(err error) *Response {
	return &Response{
		StatusCode: StatusTransportError,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       encodeEnvelope(Envelope{Status: StatusTransportError, Error: "transport error", Message: err.Error()}),
		Err:        err,
	}
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func looksLikeJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func encodeEnvelope(env Envelope) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return []byte(fmt.Sprintf(`{"status":%d,"message":"unencodable body"}`, env.Status))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}
