package discord

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DefaultRetryAfter is used when a 429 response carries no usable delay.
const DefaultRetryAfter = 15 * time.Second

// ErrUnauthorized means the credential was rejected. Retrying the same call
// will not help; the operator has to supply a new credential.
var ErrUnauthorized = errors.New("discord: unauthorized")

// RateLimitedError is returned for HTTP 429 responses.
type RateLimitedError struct {
	RetryAfter time.Duration
	URL        string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("discord: rate limited on %s, retry after %v", e.URL, e.RetryAfter)
}

// NotOKError is returned for any other non-2xx response.
type NotOKError struct {
	StatusCode int
	Body       string
}

func (e *NotOKError) Error() string {
	return fmt.Sprintf("discord: unexpected status %d: %s", e.StatusCode, e.Body)
}

// NetworkError wraps a transport failure (DNS, connect, reset, timeout).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "discord: network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// classify maps a discordgo error onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		wait := DefaultRetryAfter
		u := ""
		if rl.RateLimit != nil {
			u = rl.URL
			if rl.TooManyRequests != nil && rl.RetryAfter > 0 {
				wait = rl.RetryAfter
			}
		}
		return &RateLimitedError{RetryAfter: wait, URL: u}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusTooManyRequests:
			e := &RateLimitedError{RetryAfter: DefaultRetryAfter}
			if rest.Request != nil {
				e.URL = rest.Request.URL.String()
			}
			return e
		}
		return &NotOKError{StatusCode: rest.Response.StatusCode, Body: string(rest.ResponseBody)}
	}

	if errors.Is(err, discordgo.ErrUnauthorized) {
		return ErrUnauthorized
	}

	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return &NetworkError{Err: err}
	}
	return err
}

// IsUnauthorized reports whether err is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
