package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vastar/connector-runtime/pkg/protocol"
)

// Classify maps the outcome of one HTTP attempt to an error class and a
// message suitable for the response frame. err is the transport-level error,
// or nil when a response was received; statusCode is 0 when err is non-nil.
//
// All provider response shapes funnel through this one function; there are no
// per-provider error types.
func Classify(statusCode int, err error) (protocol.ErrorClass, string) {
	if err != nil {
		return classifyTransportError(err)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return protocol.ErrRateLimited, "upstream rate limited"
	case statusCode >= 400 && statusCode < 500:
		return protocol.ErrPermanent, "upstream client error " + strconv.Itoa(statusCode)
	case statusCode >= 500:
		return protocol.ErrTransient, "upstream server error " + strconv.Itoa(statusCode)
	case statusCode == 0:
		return protocol.ErrTransient, "no response received"
	default:
		// 1xx/2xx/3xx are delivered to the caller as-is.
		return protocol.ErrSuccess, ""
	}
}

func classifyTransportError(err error) (protocol.ErrorClass, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrTimeout, "deadline exceeded"
	}
	if errors.Is(err, context.Canceled) {
		return protocol.ErrTransient, "request canceled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ErrTimeout, err.Error()
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return protocol.ErrTransient, "connection refused"
		case syscall.ECONNRESET:
			return protocol.ErrTransient, "connection reset"
		case syscall.EPIPE:
			return protocol.ErrTransient, "broken pipe"
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return protocol.ErrTransient, "dns failure: " + dnsErr.Error()
	}

	// Errors wrapped by transports that drop the errno chain.
	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"unexpected EOF",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return protocol.ErrTransient, msg
		}
	}

	return protocol.ErrTransient, msg
}

// RetryAfterHint parses a Retry-After response header into a delay. Both the
// delta-seconds and HTTP-date forms are accepted; absent or unparseable
// values yield zero.
func RetryAfterHint(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}

	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}
