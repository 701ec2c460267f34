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
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/model"
)

func lineMismatch() error {
	return &platform.APIError{StatusCode: 422, Message: "pull_request_review_thread.line must be part of the diff", LineMismatch: true}
}

func newTestDelivery(client platform.Client) *CommentDeliveryService {
	s := NewCommentDeliveryService(client, config.DeliveryConfig{MaxNetworkRetries: 2, Concurrency: 4})
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func rangeComment() model.LineComment {
	return model.LineComment{Path: "service/handler.go", Body: gofakeit.Sentence(8), StartLine: 10, Line: 14, Side: model.SideRight}
}

func TestDeliverComments_LineCorrectionSucceedsOnThirdAttempt(t *testing.T) {
	client := &fakePlatform{create: func(n int, c model.LineComment) (*model.Comment, error) {
		if n < 3 {
			return nil, lineMismatch()
		}
		return &model.Comment{ID: "9001", Path: c.Path, Line: c.Line}, nil
	}}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	calls := client.creates()
	require.Len(t, calls, 3)
	assert.Equal(t, 10, calls[0].Comment.StartLine)
	assert.Equal(t, 14, calls[0].Comment.Line)
	assert.Equal(t, 14, calls[1].Comment.StartLine)
	assert.Equal(t, 14, calls[1].Comment.Line)
	assert.Equal(t, calls[2].Comment.StartLine, calls[2].Comment.Line)
	assert.Equal(t, 10, calls[2].Comment.Line)

	assert.Equal(t, model.DeliverySent, results[0].Status)
	assert.Equal(t, "9001", results[0].PlatformCommentID)
	require.Len(t, results[0].Attempts, 3)
	assert.Equal(t, "line_mismatch", results[0].Attempts[0].Outcome)
	assert.Equal(t, 422, results[0].Attempts[0].StatusCode)
	assert.Equal(t, outcomeSent, results[0].Attempts[2].Outcome)
}

func TestDeliverComments_LineMismatchExhausted(t *testing.T) {
	client := &fakePlatform{create: func(int, model.LineComment) (*model.Comment, error) {
		return nil, lineMismatch()
	}}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)

	assert.Len(t, client.creates(), 3)
	assert.Equal(t, model.DeliveryFailed, results[0].Status)
	assert.Equal(t, model.ReasonLinesMismatch, results[0].Reason)
}

func TestDeliverComments_SingleLineMismatchIsNotResent(t *testing.T) {
	client := &fakePlatform{create: func(int, model.LineComment) (*model.Comment, error) {
		return nil, lineMismatch()
	}}
	comment := model.LineComment{Path: "main.go", Body: "nil check missing", Line: 7}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{comment}, DeliveryOptions{})
	require.NoError(t, err)

	assert.Len(t, client.creates(), 1)
	assert.Equal(t, model.ReasonLinesMismatch, results[0].Reason)
}

func TestDeliverComments_TransientRetriedAfterDelay(t *testing.T) {
	var firstCall time.Time
	var elapsed time.Duration
	client := &fakePlatform{create: func(n int, c model.LineComment) (*model.Comment, error) {
		if n == 1 {
			firstCall = time.Now()
			return nil, &platform.APIError{StatusCode: 500, Message: "server error"}
		}
		elapsed = time.Since(firstCall)
		return &model.Comment{ID: "77"}, nil
	}}

	// real sleep: the default transient delay applies
	service := NewCommentDeliveryService(client, config.DeliveryConfig{})
	results, err := service.DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)

	assert.Len(t, client.creates(), 2)
	assert.Equal(t, model.DeliverySent, results[0].Status)
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	// the retry reuses the original geometry
	calls := client.creates()
	assert.Equal(t, calls[0].Comment, calls[1].Comment)
}

func TestDeliverComments_TransientExhausted(t *testing.T) {
	client := &fakePlatform{create: func(int, model.LineComment) (*model.Comment, error) {
		return nil, &platform.APIError{StatusCode: 403, Message: "secondary rate limit", RateLimited: true}
	}}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)

	assert.Len(t, client.creates(), 2)
	assert.Equal(t, model.ReasonTransient, results[0].Reason)
}

func TestDeliverComments_TerminalStatusesAreNotRetried(t *testing.T) {
	for _, status := range []int{401, 403, 404} {
		client := &fakePlatform{create: func(int, model.LineComment) (*model.Comment, error) {
			return nil, &platform.APIError{StatusCode: status, Message: "denied"}
		}}

		results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
		require.NoError(t, err)

		assert.Len(t, client.creates(), 1, "status %d", status)
		assert.Equal(t, model.DeliveryFailed, results[0].Status)
		assert.Equal(t, model.ReasonTerminal, results[0].Reason)
	}
}

func TestDeliverComments_NetworkRetriedImmediately(t *testing.T) {
	client := &fakePlatform{create: func(n int, c model.LineComment) (*model.Comment, error) {
		if n == 1 {
			return nil, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
		}
		return &model.Comment{ID: "5"}, nil
	}}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)

	calls := client.creates()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Comment.StartLine, calls[1].Comment.StartLine)
	assert.Equal(t, model.DeliverySent, results[0].Status)
}

func TestDeliverComments_NetworkRetriesAreBounded(t *testing.T) {
	client := &fakePlatform{create: func(int, model.LineComment) (*model.Comment, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "api.github.com"}
	}}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)

	assert.Len(t, client.creates(), 3)
	assert.Equal(t, model.ReasonNetwork, results[0].Reason)
}

func TestDeliverComments_CommentsAreIndependent(t *testing.T) {
	client := &fakePlatform{create: func(_ int, c model.LineComment) (*model.Comment, error) {
		if c.Path == "broken.go" {
			return nil, &platform.APIError{StatusCode: 404, Message: "Not Found"}
		}
		return &model.Comment{ID: c.Path}, nil
	}}
	comments := []model.LineComment{
		{Path: "a.go", Body: "one", Line: 1},
		{Path: "broken.go", Body: "two", Line: 2},
		{Path: "c.go", Body: "three", Line: 3},
		{Path: "", Body: "no path", Line: 4},
	}

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), comments, DeliveryOptions{Commit: "cafe"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, model.DeliverySent, results[0].Status)
	assert.Equal(t, "a.go", results[0].PlatformCommentID)
	assert.Equal(t, model.ReasonTerminal, results[1].Reason)
	assert.Equal(t, model.DeliverySent, results[2].Status)
	assert.Equal(t, model.ReasonInvalid, results[3].Reason)
	assert.Empty(t, results[3].Attempts)

	for _, call := range client.creates() {
		assert.Equal(t, "cafe", call.Commit)
	}
}

func TestDeliverComments_UpdatesExistingComment(t *testing.T) {
	client := &fakePlatform{}
	comment := rangeComment()
	comment.PlatformCommentID = "4242"

	results, err := newTestDelivery(client).DeliverComments(context.Background(), testSubject(), []model.LineComment{comment}, DeliveryOptions{})
	require.NoError(t, err)

	assert.Empty(t, client.creates())
	assert.Equal(t, []string{"4242"}, client.updateCalls)
	assert.Equal(t, model.DeliverySent, results[0].Status)
	assert.Equal(t, "4242", results[0].PlatformCommentID)
}

func TestDeliverComments_Preconditions(t *testing.T) {
	_, err := newTestDelivery(nil).DeliverComments(context.Background(), testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	assert.ErrorIs(t, err, platform.ErrMissingCredentials)

	subject := testSubject()
	subject.HeadSHA = ""
	_, err = newTestDelivery(&fakePlatform{}).DeliverComments(context.Background(), subject, []model.LineComment{rangeComment()}, DeliveryOptions{})
	assert.Error(t, err)

	_, err = newTestDelivery(&fakePlatform{}).DeliverComments(context.Background(), model.ReviewSubject{}, nil, DeliveryOptions{})
	assert.Error(t, err)
}

func TestDeliverComments_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakePlatform{create: func(int, model.LineComment) (*model.Comment, error) {
		cancel()
		return nil, context.Canceled
	}}

	results, err := newTestDelivery(client).DeliverComments(ctx, testSubject(), []model.LineComment{rangeComment()}, DeliveryOptions{})
	require.NoError(t, err)
	assert.Len(t, client.creates(), 1)
	assert.Equal(t, model.ReasonCanceled, results[0].Reason)
}

func TestCandidateGeometries(t *testing.T) {
	tests := []struct {
		name    string
		comment model.LineComment
		want    []geometry
	}{
		{"range", model.LineComment{StartLine: 3, Line: 8}, []geometry{{3, 8}, {8, 8}, {3, 3}}},
		{"single line", model.LineComment{Line: 8}, []geometry{{8, 8}}},
		{"start equals line", model.LineComment{StartLine: 8, Line: 8}, []geometry{{8, 8}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, candidateGeometries(tt.comment))
		})
	}
}
