/*
Copyright 2024 Blnk Finance Authors.

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

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/blnkfinance/settle/internal/broker"
)

var ErrNotAccepted = errors.New("broker did not accept the message")

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
)

// RetryPolicy turns a failed delivery into a new message carrying an
// incremented x-retry-count. Broker requeue is never used for retries.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration

	// Sleep waits before a retry is republished. It defaults to a timer that
	// returns early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration)
}

// NewRetryPolicy returns a policy with the given budget. A negative
// maxRetries or non-positive delay selects the default.
func NewRetryPolicy(maxRetries int, delay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &RetryPolicy{MaxRetries: maxRetries, Delay: delay}
}

// Backoff is the wait before retry number retryCount+1.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	return p.Delay * time.Duration(retryCount+1)
}

func (p *RetryPolicy) sleep(ctx context.Context, d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(ctx, d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// retry republishes the job's bytes to its own queue with the next retry
// count. The caller acks the original only when this returns nil.
func (p *RetryPolicy) retry(ctx, sleepCtx context.Context, pub Publisher, logicalName string, job Job, cause error) error {
	p.sleep(sleepCtx, p.Backoff(job.RetryCount))

	ok, err := pub.PublishRaw(ctx, logicalName, job.Body,
		broker.WithHeaders(retryHeaders(job.Headers, job.RetryCount+1, cause)))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAccepted
	}
	return nil
}
