// Package platform talks to git hosting platforms: review comments, changed
// files, repository contents and the shape of inbound webhook events.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/reviewpipe/reviewpipe/model"
)

const GitHub = "github"

// ErrMissingCredentials is returned when a client is built without a token.
var ErrMissingCredentials = errors.New("platform credentials are not configured")

// ChangedFile is one file of a pull request diff.
type ChangedFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// Client is what the review pipeline needs from a git platform.
type Client interface {
	CreateReviewComment(ctx context.Context, subject model.ReviewSubject, comment model.LineComment, commit string) (*model.Comment, error)
	UpdateReviewComment(ctx context.Context, subject model.ReviewSubject, commentID, body string) (*model.Comment, error)
	ListChangedFiles(ctx context.Context, subject model.ReviewSubject) ([]ChangedFile, error)
	GetFileContent(ctx context.Context, subject model.ReviewSubject, path, ref string) ([]byte, error)
	GetPullRequest(ctx context.Context, subject model.ReviewSubject) (model.ReviewSubject, error)
}

// APIError is a non-2xx answer from a platform API.
type APIError struct {
	StatusCode   int
	Message      string
	RateLimited  bool
	LineMismatch bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) HTTPStatus() int      { return e.StatusCode }
func (e *APIError) IsRateLimited() bool  { return e.RateLimited }
func (e *APIError) IsLineMismatch() bool { return e.LineMismatch }

// IsNotFound reports a 404 from the platform.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

var supportedEvents = map[string]map[string]bool{
	GitHub: {
		"pull_request":                true,
		"issue_comment":               true,
		"pull_request_review":         true,
		"pull_request_review_comment": true,
	},
}

// IsSupportedEvent reports whether events of this type start any work.
// Unknown platforms support nothing.
func IsSupportedEvent(platformName, event string) bool {
	return supportedEvents[platformName][event]
}
