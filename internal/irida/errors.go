package irida

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrAuth marks a failure to obtain or renew an access token.
	ErrAuth = errors.New("irida authentication failed")
	// ErrInvalidCredentials marks a token request the server refused outright.
	ErrInvalidCredentials = errors.New("irida rejected credentials")
	// ErrTransient marks failures worth retrying later.
	ErrTransient = errors.New("transient irida failure")
	// ErrPermanent marks failures that retrying will not fix.
	ErrPermanent = errors.New("permanent irida failure")
)

const maxErrorBodyBytes = 2048

// StatusError is an unexpected HTTP response from IRIDA.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: irida returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: irida returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether err will not be fixed by retrying.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// statusError drains resp and classifies it. The caller still closes the body.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	se := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if retryableStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %w", ErrTransient, se)
	}
	return fmt.Errorf("%w: %w", ErrPermanent, se)
}

// authRejected classifies a request refused even with a freshly renewed
// token. It closes resp. The failure belongs to the account, not the run,
// so it is marked transient.
func authRejected(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()
	se := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	return fmt.Errorf("%w: %w: %w", ErrAuth, ErrTransient, se)
}

// transportError wraps a failed round trip. Cancellation is passed through
// untouched so callers can tell shutdown from a flaky network.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}
