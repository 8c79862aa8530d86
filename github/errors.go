package github

import (
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v82/github"
)

// Remote errors
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteNotFound    = errors.New("repository not found")
	ErrRemoteAuth        = errors.New("remote authentication failed")
	ErrRemoteRateLimited = errors.New("remote rate limited")
	ErrInvalidRepoID     = errors.New("invalid repository id")
)

// classify maps a go-github error onto the remote error taxonomy, keeping the
// original error in the chain.
func classify(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", kind(err), op, err)
}

func kind(err error) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	var respErr *gh.ErrorResponse

	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return ErrRemoteRateLimited
	case errors.As(err, &respErr) && respErr.Response != nil:
		return statusKind(respErr.Response)
	default:
		return ErrRemoteUnavailable
	}
}

func statusKind(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrRemoteAuth
	case http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "" {
			return ErrRemoteRateLimited
		}
		return ErrRemoteAuth
	case http.StatusTooManyRequests:
		return ErrRemoteRateLimited
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		// 409 is an empty repository, 422 an unknown branch.
		return ErrRemoteNotFound
	default:
		return ErrRemoteUnavailable
	}
}
