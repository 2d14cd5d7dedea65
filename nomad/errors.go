package nomad

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"

	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/sony/gobreaker"
)

var ErrJobNotFound = errors.New("job not found")

// APIError is returned when the scheduler answers with an error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected response code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected response code: %d (%s)", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrJobNotFound && e.StatusCode == http.StatusNotFound
}

// Temporary reports whether the request may succeed if sent again.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// asAPIError turns the scheduler's unexpected responses into an APIError, and
// leaves transport errors untouched.
func asAPIError(err error) error {
	var resp nomadapi.UnexpectedResponseError
	if !errors.As(err, &resp) || !resp.HasStatusCode() {
		return err
	}

	message := resp.Body()
	if len(message) > maxErrorBody {
		message = message[:maxErrorBody]
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: message}
}

// IsUnreachable reports whether err means the scheduler could not be reached
// at all, as opposed to the scheduler answering with an error.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransient tells which errors are worth retrying and count against the
// circuit breaker.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	return IsUnreachable(err)
}
