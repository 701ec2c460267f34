// Package analyzer is the client of the model-backed analysis service. It
// sends one changed file at a time and gets back line comments.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/internal/request"
	"github.com/reviewpipe/reviewpipe/model"
)

var ErrNotConfigured = errors.New("analyzer url is not configured")

// File is one changed file submitted for analysis.
type File struct {
	Path    string `json:"path"`
	Status  string `json:"status,omitempty"`
	Patch   string `json:"patch,omitempty"`
	Content string `json:"content,omitempty"`
}

type analyzeRequest struct {
	Repository        string `json:"repository"`
	PullRequestNumber int    `json:"pull_request_number"`
	HeadSHA           string `json:"head_sha"`
	File              File   `json:"file"`
}

type analyzeResponse struct {
	Comments []model.LineComment `json:"comments"`
}

// Client calls POST {url}/analyze.
type Client struct {
	url     string
	httpCli *http.Client
}

func NewClient(cfg config.AnalyzerConfig) (*Client, error) {
	if cfg.Url == "" {
		return nil, ErrNotConfigured
	}
	return &Client{
		url:     strings.TrimRight(cfg.Url, "/"),
		httpCli: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// AnalyzeFile returns the comments proposed for file. Comments without a path
// are attributed to file.
func (c *Client) AnalyzeFile(ctx context.Context, subject model.ReviewSubject, file File) ([]model.LineComment, error) {
	ctx, span := otel.Tracer("Analyzer").Start(ctx, "Analyzing file")
	defer span.End()
	span.SetAttributes(attribute.String("file.path", file.Path))

	started := time.Now()
	req, err := request.NewJSONRequest(ctx, http.MethodPost, c.url+"/analyze", analyzeRequest{
		Repository:        fmt.Sprintf("%s/%s", subject.Owner, subject.Repository),
		PullRequestNumber: subject.PullRequestNumber,
		HeadSHA:           subject.HeadSHA,
		File:              file,
	})
	if err != nil {
		return nil, err
	}

	resp, err := request.Call(c.httpCli, req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("analyze %s: %w", file.Path, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("analyze %s: analyzer returned status %d", file.Path, resp.StatusCode)
	}

	var out analyzeResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	for i := range out.Comments {
		if out.Comments[i].Path == "" {
			out.Comments[i].Path = file.Path
		}
	}
	span.SetAttributes(
		attribute.Int("comments", len(out.Comments)),
		attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	return out.Comments, nil
}
