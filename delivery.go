/*
Copyright 2024 The Reviewpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reviewpipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/internal/retry"
	"github.com/reviewpipe/reviewpipe/model"
)

const outcomeSent = "sent"

// DeliveryOptions tune one DeliverComments call.
type DeliveryOptions struct {
	// Commit the comments are anchored to. Defaults to the subject's head sha.
	Commit string
}

// CommentDeliveryService posts inline review comments. Each comment gets its
// own retry budget; comments are posted concurrently, the attempts for one
// comment strictly one after the other.
type CommentDeliveryService struct {
	client         platform.Client
	policy         retry.Policy
	concurrency    int
	requestTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewCommentDeliveryService(client platform.Client, cfg config.DeliveryConfig) *CommentDeliveryService {
	policy := retry.DefaultPolicy()
	if cfg.TransientRetryDelay > 0 {
		policy.TransientDelay = cfg.TransientRetryDelay
	}
	if cfg.MaxNetworkRetries > 0 {
		policy.MaxNetworkRetries = cfg.MaxNetworkRetries
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &CommentDeliveryService{
		client:         client,
		policy:         policy,
		concurrency:    concurrency,
		requestTimeout: cfg.RequestTimeout,
		sleep:          sleepContext,
	}
}

// DeliverComments returns one result per comment, in input order. Per-comment
// failures are results, not errors; an error means nothing could be attempted.
func (s *CommentDeliveryService) DeliverComments(ctx context.Context, subject model.ReviewSubject, comments []model.LineComment, opts DeliveryOptions) ([]model.DeliveryResult, error) {
	ctx, span := otel.Tracer("Delivery").Start(ctx, "Delivering review comments")
	defer span.End()
	span.SetAttributes(attribute.Int("comments", len(comments)))

	if s.client == nil {
		return nil, platform.ErrMissingCredentials
	}
	if err := subject.Validate(); err != nil {
		return nil, fmt.Errorf("invalid review subject: %w", err)
	}
	commit := opts.Commit
	if commit == "" {
		commit = subject.HeadSHA
	}
	if commit == "" {
		return nil, errors.New("a commit sha is required to post review comments")
	}

	results := make([]model.DeliveryResult, len(comments))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, comment := range comments {
		g.Go(func() error {
			results[i] = s.deliver(ctx, subject, commit, comment)
			return nil
		})
	}
	_ = g.Wait()

	sent := 0
	for _, r := range results {
		if r.Status == model.DeliverySent {
			sent++
		}
	}
	logrus.WithFields(logrus.Fields{
		"repository":   subject.Repository,
		"pull_request": subject.PullRequestNumber,
		"sent":         sent,
		"failed":       len(results) - sent,
	}).Info("review comments delivered")
	return results, nil
}

type geometry struct {
	startLine int
	line      int
}

// candidateGeometries lists the line ranges to try in order: the original
// range, the range collapsed onto its last line, then onto its first line.
// Candidates equal to an earlier one are dropped.
func candidateGeometries(c model.LineComment) []geometry {
	start := c.StartLine
	if start <= 0 {
		start = c.Line
	}
	candidates := []geometry{
		{startLine: start, line: c.Line},
		{startLine: c.Line, line: c.Line},
		{startLine: start, line: start},
	}
	out := make([]geometry, 0, len(candidates))
	seen := map[geometry]bool{}
	for _, g := range candidates {
		if seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}

func (s *CommentDeliveryService) deliver(ctx context.Context, subject model.ReviewSubject, commit string, comment model.LineComment) model.DeliveryResult {
	result := model.DeliveryResult{Comment: comment, Attempts: []model.CommentDeliveryAttempt{}}
	if err := comment.Validate(); err != nil {
		result.Status = model.DeliveryFailed
		result.Reason = model.ReasonInvalid
		return result
	}

	geometries := candidateGeometries(comment)
	policy := s.policy
	if comment.PlatformCommentID != "" {
		geometries = geometries[:1]
	}
	if policy.MaxGeometries > len(geometries) {
		policy.MaxGeometries = len(geometries)
	}

	logger := logrus.WithFields(logrus.Fields{
		"path": comment.Path,
		"line": comment.Line,
	})

	st := retry.Start()
	for {
		g := geometries[st.Geometry-1]
		posted, err := s.attempt(ctx, subject, commit, comment, g)

		attempt := model.CommentDeliveryAttempt{
			Number:    len(result.Attempts) + 1,
			StartLine: g.startLine,
			Line:      g.line,
		}
		if err == nil {
			attempt.Outcome = outcomeSent
			result.Attempts = append(result.Attempts, attempt)
			result.Status = model.DeliverySent
			if posted != nil {
				result.PlatformCommentID = posted.ID
			}
			return result
		}

		class := retry.Classify(err)
		attempt.Outcome = string(class)
		attempt.Error = err.Error()
		var apiErr *platform.APIError
		if errors.As(err, &apiErr) {
			attempt.StatusCode = apiErr.StatusCode
		}
		result.Attempts = append(result.Attempts, attempt)

		if ctx.Err() != nil {
			return failed(result, model.ReasonCanceled)
		}

		var decision retry.Decision
		decision, st = policy.Next(st, class)
		logger.WithFields(logrus.Fields{
			"attempt": attempt.Number,
			"class":   class,
			"action":  decision.Action.String(),
		}).Debug("comment delivery attempt failed")

		switch decision.Action {
		case retry.Retry:
			if err := s.sleep(ctx, decision.Delay); err != nil {
				return failed(result, model.ReasonCanceled)
			}
		case retry.NextGeometry:
		default:
			return failed(result, reasonFor(decision.Class))
		}
	}
}

func (s *CommentDeliveryService) attempt(ctx context.Context, subject model.ReviewSubject, commit string, comment model.LineComment, g geometry) (*model.Comment, error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	if comment.PlatformCommentID != "" {
		return s.client.UpdateReviewComment(ctx, subject, comment.PlatformCommentID, comment.Body)
	}
	comment.StartLine = g.startLine
	comment.Line = g.line
	return s.client.CreateReviewComment(ctx, subject, comment, commit)
}

func failed(result model.DeliveryResult, reason string) model.DeliveryResult {
	result.Status = model.DeliveryFailed
	result.Reason = reason
	return result
}

func reasonFor(class retry.Class) string {
	switch class {
	case retry.LineMismatch:
		return model.ReasonLinesMismatch
	case retry.Transient:
		return model.ReasonTransient
	case retry.Network:
		return model.ReasonNetwork
	default:
		return model.ReasonTerminal
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
