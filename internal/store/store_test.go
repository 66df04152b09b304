// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/semaphore"

	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// tokenPoolAccessor exercises just the acquire/release machinery of
// S3Accessor without needing a real S3 backend, by embedding the same
// semaphore-based admission control.
type tokenPoolAccessor struct {
	tokens  *semaphore.Weighted
	waitFor time.Duration

	inFlight int64
	maxSeen  int64
}

func newTokenPoolAccessor(capacity int64, waitFor time.Duration) *tokenPoolAccessor {
	return &tokenPoolAccessor{tokens: semaphore.NewWeighted(capacity), waitFor: waitFor}
}

func (a *tokenPoolAccessor) do(ctx context.Context, work time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.waitFor)
	defer cancel()
	if err := a.tokens.Acquire(waitCtx, 1); err != nil {
		return &faasrerrors.StoreError{Kind: faasrerrors.StoreBusy}
	}
	defer a.tokens.Release(1)

	n := atomic.AddInt64(&a.inFlight, 1)
	for {
		max := atomic.LoadInt64(&a.maxSeen)
		if n <= max || atomic.CompareAndSwapInt64(&a.maxSeen, max, n) {
			break
		}
	}
	time.Sleep(work)
	atomic.AddInt64(&a.inFlight, -1)
	return nil
}

func TestAccessorConcurrencyCap(t *testing.T) {
	a := newTokenPoolAccessor(3, 2*time.Second)

	done := make(chan struct{})
	for i := 0; i < 12; i++ {
		go func() {
			_ = a.do(context.Background(), 20*time.Millisecond)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 12; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&a.maxSeen), int64(3))
}

func TestAccessorBusyOnTimeout(t *testing.T) {
	a := newTokenPoolAccessor(1, 30*time.Millisecond)

	blockRelease := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = a.tokens.Acquire(context.Background(), 1)
		close(started)
		<-blockRelease
		a.tokens.Release(1)
	}()
	<-started

	err := a.do(context.Background(), 0)
	assert.True(t, faasrerrors.IsBusy(err))
	close(blockRelease)
}

func TestIsNotFoundErr(t *testing.T) {
	t.Run("typed NoSuchKey from GetObject", func(t *testing.T) {
		err := &types.NoSuchKey{Message: aws.String("no such key")}
		assert.True(t, isNotFoundErr(err))
	})

	t.Run("404 ResponseError from HeadObject", func(t *testing.T) {
		err := &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 404}},
			Err:      errors.New("not found"),
		}
		assert.True(t, isNotFoundErr(err))
	})

	t.Run("non-404 ResponseError is not treated as missing", func(t *testing.T) {
		err := &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 500}},
			Err:      errors.New("internal error"),
		}
		assert.False(t, isNotFoundErr(err))
	})

	t.Run("generic error is not treated as missing", func(t *testing.T) {
		assert.False(t, isNotFoundErr(errors.New("boom")))
	})
}
