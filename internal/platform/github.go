package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/internal/request"
	"github.com/reviewpipe/reviewpipe/model"
)

const (
	defaultAPIURL = "https://api.github.com"
	filesPerPage  = 100
)

// GitHubClient provides access to the GitHub REST API.
type GitHubClient struct {
	token   string
	apiURL  string
	httpCli *http.Client
}

// NewGitHubClient builds a client from configuration. timeout bounds every
// single request.
func NewGitHubClient(cfg config.GitHubConfig, timeout time.Duration) (*GitHubClient, error) {
	if cfg.Token == "" {
		return nil, ErrMissingCredentials
	}
	apiURL := cfg.ApiURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &GitHubClient{
		token:   cfg.Token,
		apiURL:  strings.TrimRight(apiURL, "/"),
		httpCli: &http.Client{Timeout: timeout},
	}, nil
}

type githubComment struct {
	ID        int64  `json:"id"`
	HTMLURL   string `json:"html_url"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	StartLine int    `json:"start_line"`
}

func (c githubComment) toComment() *model.Comment {
	return &model.Comment{
		ID:        strconv.FormatInt(c.ID, 10),
		URL:       c.HTMLURL,
		Path:      c.Path,
		StartLine: c.StartLine,
		Line:      c.Line,
	}
}

type createCommentRequest struct {
	Body      string `json:"body"`
	CommitID  string `json:"commit_id"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Side      string `json:"side"`
	StartLine int    `json:"start_line,omitempty"`
	StartSide string `json:"start_side,omitempty"`
}

// CreateReviewComment posts an inline comment on the pull request. A range is
// sent only when StartLine is before Line.
func (c *GitHubClient) CreateReviewComment(ctx context.Context, subject model.ReviewSubject, comment model.LineComment, commit string) (*model.Comment, error) {
	side := comment.Side
	if side == "" {
		side = model.SideRight
	}
	payload := createCommentRequest{
		Body:     comment.Body,
		CommitID: commit,
		Path:     comment.Path,
		Line:     comment.Line,
		Side:     side,
	}
	if comment.StartLine > 0 && comment.StartLine < comment.Line {
		payload.StartLine = comment.StartLine
		payload.StartSide = side
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments", c.apiURL, subject.Owner, subject.Repository, subject.PullRequestNumber)
	var created githubComment
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &created); err != nil {
		return nil, err
	}
	return created.toComment(), nil
}

// UpdateReviewComment replaces the body of an existing review comment.
func (c *GitHubClient) UpdateReviewComment(ctx context.Context, subject model.ReviewSubject, commentID, body string) (*model.Comment, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/comments/%s", c.apiURL, subject.Owner, subject.Repository, url.PathEscape(commentID))
	var updated githubComment
	if err := c.do(ctx, http.MethodPatch, endpoint, map[string]string{"body": body}, &updated); err != nil {
		return nil, err
	}
	return updated.toComment(), nil
}

// ListChangedFiles pages through the files of the pull request.
func (c *GitHubClient) ListChangedFiles(ctx context.Context, subject model.ReviewSubject) ([]ChangedFile, error) {
	var files []ChangedFile
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d",
			c.apiURL, subject.Owner, subject.Repository, subject.PullRequestNumber, filesPerPage, page)

		var batch []ChangedFile
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &batch); err != nil {
			return nil, err
		}
		files = append(files, batch...)
		if len(batch) < filesPerPage {
			return files, nil
		}
	}
}

// GetFileContent returns the raw content of path at ref.
func (c *GitHubClient) GetFileContent(ctx context.Context, subject model.ReviewSubject, path, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.apiURL, subject.Owner, subject.Repository, strings.TrimLeft(path, "/"))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	req, err := request.NewJSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	resp, err := request.Call(c.httpCli, req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	if !resp.OK() {
		return nil, newGitHubError(resp)
	}
	return resp.Body, nil
}

func (c *GitHubClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", request.BearerAuth(c.token))
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

func (c *GitHubClient) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	req, err := request.NewJSONRequest(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := request.Call(c.httpCli, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if !resp.OK() {
		apiErr := newGitHubError(resp)
		logrus.WithFields(logrus.Fields{
			"method":        method,
			"endpoint":      endpoint,
			"status_code":   resp.StatusCode,
			"rate_limited":  apiErr.RateLimited,
			"line_mismatch": apiErr.LineMismatch,
		}).Debug("GitHub API request failed")
		return apiErr
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

type githubErrorBody struct {
	Message string `json:"message"`
	Errors  []struct {
		Field   string `json:"field"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func newGitHubError(resp *request.Response) *APIError {
	var body githubErrorBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		body.Message = strings.TrimSpace(string(resp.Body))
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Message}
	if resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden &&
			(resp.Header.Get("X-RateLimit-Remaining") == "0" ||
				resp.Header.Get("Retry-After") != "" ||
				strings.Contains(strings.ToLower(body.Message), "rate limit"))) {
		apiErr.RateLimited = true
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		for _, e := range body.Errors {
			if isLinePositionError(e.Field, e.Message) {
				apiErr.LineMismatch = true
				if apiErr.Message == "" || apiErr.Message == "Validation Failed" {
					apiErr.Message = e.Message
				}
				break
			}
		}
		if !apiErr.LineMismatch && isLinePositionError("", body.Message) {
			apiErr.LineMismatch = true
		}
	}
	return apiErr
}

// isLinePositionError matches the validation messages GitHub returns when a
// comment range does not line up with the diff, e.g.
// "pull_request_review_thread.line must be part of the diff" or
// "start_line must be part of the same hunk as the line".
func isLinePositionError(field, message string) bool {
	field, message = strings.ToLower(field), strings.ToLower(message)
	if strings.HasSuffix(field, "line") || strings.HasSuffix(field, "start_line") {
		return true
	}
	return strings.Contains(message, "line") &&
		(strings.Contains(message, "diff") || strings.Contains(message, "hunk") || strings.Contains(message, "could not be resolved"))
}
