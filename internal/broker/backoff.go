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

package broker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff yields base, 2*base, 3*base, ... capped at Cap.
type LinearBackOff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int64
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

func NewLinearBackOff(base, ceiling time.Duration) *LinearBackOff {
	return &LinearBackOff{Base: base, Cap: ceiling}
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.Base * time.Duration(b.attempt)
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// reconnectSchedule bounds a LinearBackOff to maxAttempts delays, after which
// NextBackOff returns backoff.Stop.
func reconnectSchedule(base, ceiling time.Duration, maxAttempts int) backoff.BackOff {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(NewLinearBackOff(base, ceiling), uint64(maxAttempts))
}
