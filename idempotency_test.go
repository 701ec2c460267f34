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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/database/mocks"
	redlock "github.com/reviewpipe/reviewpipe/internal/lock"
	"github.com/reviewpipe/reviewpipe/model"
)

func testJob() *model.WorkflowJob {
	return &model.WorkflowJob{
		JobID:         "job_1",
		Platform:      "github",
		Event:         "pull_request",
		CorrelationID: "d-72d3162e",
	}
}

func claimed(attempts int) *model.JobClaim {
	return &model.JobClaim{ClaimKey: "d-72d3162e:pull_request", JobID: "job_1", Owner: "worker-1", Status: model.ClaimClaimed, Attempts: attempts}
}

func TestGate_DuplicateIsNotProcessed(t *testing.T) {
	ds := new(mocks.MockDataSource)
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, &fakePublisher{}, GateOptions{Owner: "worker-1"})

	ds.On("ClaimJob", mock.Anything, "d-72d3162e:pull_request", "job_1", "worker-1", 15*time.Minute).
		Return(&model.JobClaim{Status: model.ClaimDone}, false, nil)

	called := false
	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrDuplicateDelivery)
	assert.False(t, called)
	ds.AssertNotCalled(t, "UpdateWorkflowJobStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_SuccessSettlesClaim(t *testing.T) {
	ds := new(mocks.MockDataSource)
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, &fakePublisher{}, GateOptions{Owner: "worker-1", MaxAttempts: 5})

	ds.On("ClaimJob", mock.Anything, mock.Anything, "job_1", "worker-1", mock.Anything).Return(claimed(1), true, nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, "job_1", model.JobProcessing, 1, "").Return(nil)
	ds.On("ReleaseClaim", mock.Anything, "d-72d3162e:pull_request", "worker-1", model.ClaimDone, "").Return(nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, "job_1", model.JobCompleted, 1, "").Return(nil)

	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error { return nil })
	require.NoError(t, err)
	ds.AssertExpectations(t)
}

func TestGate_FailureReleasesForRetry(t *testing.T) {
	ds := new(mocks.MockDataSource)
	pub := &fakePublisher{}
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, pub, GateOptions{Owner: "worker-1", MaxAttempts: 5})

	ds.On("ClaimJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(claimed(2), true, nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, "job_1", model.JobProcessing, 2, "").Return(nil)
	ds.On("ReleaseClaim", mock.Anything, mock.Anything, "worker-1", model.ClaimAvailable, "analyzer unavailable").Return(nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, "job_1", model.JobFailed, 2, "analyzer unavailable").Return(nil)

	procErr := errors.New("analyzer unavailable")
	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error { return procErr })

	assert.ErrorIs(t, err, procErr)
	assert.Empty(t, pub.deadLetters)
	ds.AssertExpectations(t)
}

func TestGate_DeadLettersAfterMaxAttempts(t *testing.T) {
	ds := new(mocks.MockDataSource)
	pub := &fakePublisher{}
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, pub, GateOptions{Owner: "worker-1", MaxAttempts: 5})

	ds.On("ClaimJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(claimed(5), true, nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, "job_1", model.JobProcessing, 5, "").Return(nil)
	ds.On("ReleaseClaim", mock.Anything, mock.Anything, "worker-1", model.ClaimDead, "still failing").Return(nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, "job_1", model.JobDeadLettered, 5, "still failing").Return(nil)

	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error {
		return errors.New("still failing")
	})

	assert.ErrorIs(t, err, ErrDeadLettered)
	assert.Equal(t, []string{"job_1"}, pub.deadLetters)
	ds.AssertExpectations(t)
}

func TestGate_DeadLetterFailureKeepsClaimAvailable(t *testing.T) {
	ds := new(mocks.MockDataSource)
	pub := &fakePublisher{deadErr: errors.New("redis down")}
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, pub, GateOptions{Owner: "worker-1", MaxAttempts: 5})

	ds.On("ClaimJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(claimed(6), true, nil)
	ds.On("UpdateWorkflowJobStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ds.On("ReleaseClaim", mock.Anything, mock.Anything, "worker-1", model.ClaimAvailable, "still failing").Return(nil)

	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error {
		return errors.New("still failing")
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeadLettered)
	ds.AssertNotCalled(t, "ReleaseClaim", mock.Anything, mock.Anything, mock.Anything, model.ClaimDead, mock.Anything)
}

func TestGate_LiveClaimHeldElsewhereIsRetried(t *testing.T) {
	ds := new(mocks.MockDataSource)
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, &fakePublisher{}, GateOptions{Owner: "worker-1"})

	holder := claimed(1)
	holder.Owner = "worker-0"
	holder.LeaseUntil = time.Now().Add(10 * time.Minute)
	ds.On("ClaimJob", mock.Anything, "d-72d3162e:pull_request", "job_1", "worker-1", 15*time.Minute).
		Return(holder, false, nil)

	called := false
	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrClaimInFlight)
	assert.NotErrorIs(t, err, ErrDuplicateDelivery)
	assert.False(t, called)

	var inFlight *ClaimInFlightError
	require.ErrorAs(t, err, &inFlight)
	assert.Equal(t, "worker-0", inFlight.Owner)
	assert.InDelta(t, (10 * time.Minute).Seconds(), inFlight.Remaining.Seconds(), 5)
	ds.AssertNotCalled(t, "UpdateWorkflowJobStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "ReleaseClaim", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_CrashedHolderIsTakenOverAfterLease(t *testing.T) {
	claims := redisClaims(t)
	ctx := context.Background()
	key := testJob().IdempotencyKey()

	// worker-0 takes the claim and dies without releasing it.
	_, acquired, err := claims.Claim(ctx, key, "job_1", "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	gate := NewIdempotencyGate(claims, nil, &fakePublisher{}, GateOptions{Owner: "worker-1"})
	runs := 0
	work := func(context.Context, *model.WorkflowJob) error {
		runs++
		return nil
	}

	err = gate.Process(ctx, testJob(), work)
	require.ErrorIs(t, err, ErrClaimInFlight)
	assert.Equal(t, 0, runs)

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, gate.Process(ctx, testJob(), work))
	assert.Equal(t, 1, runs)

	claim, err := claims.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimDone, claim.Status)
	assert.Equal(t, "worker-1", claim.Owner)
	assert.Equal(t, 2, claim.Attempts)

	err = gate.Process(ctx, testJob(), work)
	assert.ErrorIs(t, err, ErrDuplicateDelivery)
	assert.Equal(t, 1, runs)
}

func TestGate_ClaimError(t *testing.T) {
	ds := new(mocks.MockDataSource)
	gate := NewIdempotencyGate(NewPostgresClaimStore(ds), ds, &fakePublisher{}, GateOptions{})
	ds.On("ClaimJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, false, errors.New("connection reset"))

	err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateDelivery)
}

func redisClaims(t *testing.T) *redlock.ClaimStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redlock.NewClaimStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "claims:", claimRetention)
}

func TestGate_ConcurrentRedeliveryRunsOnce(t *testing.T) {
	claims := redisClaims(t)

	var runs, duplicates int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate := NewIdempotencyGate(claims, nil, &fakePublisher{}, GateOptions{})
			err := gate.Process(context.Background(), testJob(), func(context.Context, *model.WorkflowJob) error {
				atomic.AddInt32(&runs, 1)
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			if errors.Is(err, ErrDuplicateDelivery) || errors.Is(err, ErrClaimInFlight) {
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs)
	assert.Equal(t, int32(9), duplicates)
}

func TestGate_RetriesThenDeadLettersWithRedisClaims(t *testing.T) {
	claims := redisClaims(t)
	pub := &fakePublisher{}
	gate := NewIdempotencyGate(claims, nil, pub, GateOptions{Owner: "worker-1", MaxAttempts: 5})
	failing := func(context.Context, *model.WorkflowJob) error { return errors.New("analyzer unavailable") }

	for attempt := 1; attempt < 5; attempt++ {
		err := gate.Process(context.Background(), testJob(), failing)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDeadLettered, "attempt %d", attempt)
	}

	err := gate.Process(context.Background(), testJob(), failing)
	assert.ErrorIs(t, err, ErrDeadLettered)
	assert.Equal(t, []string{"job_1"}, pub.deadLetters)

	err = gate.Process(context.Background(), testJob(), failing)
	assert.ErrorIs(t, err, ErrDuplicateDelivery)
}
