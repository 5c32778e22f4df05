package types

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Response represents the result of one API request, annotated with the
// account that issued it.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Headers are the response HTTP headers.
	Headers http.Header

	// Body is the raw response body bytes.
	Body []byte

	// Username is the account the request was issued with.
	Username string

	// URL is the request URL after any redirects.
	URL string

	// Method is the HTTP method of the originating request.
	Method string

	// FetchDuration is how long the request took.
	FetchDuration time.Duration

	// FetchedAt is when this response was received.
	FetchedAt time.Time
}

// NewResponse creates a Response from an http.Response with the body already
// drained.
func NewResponse(httpResp *http.Response, body []byte, duration time.Duration) *Response {
	return &Response{
		StatusCode:    httpResp.StatusCode,
		Headers:       httpResp.Header,
		Body:          body,
		URL:           httpResp.Request.URL.String(),
		Method:        httpResp.Request.Method,
		FetchDuration: duration,
		FetchedAt:     time.Now(),
	}
}

// JSON decodes the body into a generic object. A body that is not valid JSON
// is returned as {"_raw": "<text>"} so callers can still inspect it.
func (r *Response) JSON() map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(r.Body, &obj); err != nil || obj == nil {
		return map[string]any{"_raw": string(r.Body)}
	}
	return obj
}

// RateLimitRemaining returns the x-rate-limit-remaining header, or -1.
func (r *Response) RateLimitRemaining() int {
	return headerInt(r.Headers, "x-rate-limit-remaining")
}

// RateLimitReset returns the x-rate-limit-reset header (unix seconds), or -1.
func (r *Response) RateLimitReset() int {
	return headerInt(r.Headers, "x-rate-limit-reset")
}

func headerInt(h http.Header, key string) int {
	v, err := strconv.Atoi(h.Get(key))
	if err != nil {
		return -1
	}
	return v
}
