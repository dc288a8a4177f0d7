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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRetryDLQ(t *testing.T) {
	tests := []struct {
		name    string
		req     RetryDLQ
		wantErr bool
	}{
		{name: "Valid", req: RetryDLQ{DLQName: "payment_queue.dlq", Count: 2}, wantErr: false},
		{name: "Zero count means one", req: RetryDLQ{DLQName: "payment_queue.dlq"}, wantErr: false},
		{name: "Missing name", req: RetryDLQ{Count: 1}, wantErr: true},
		{name: "Main queue name", req: RetryDLQ{DLQName: "payment_queue", Count: 1}, wantErr: true},
		{name: "Bare suffix", req: RetryDLQ{DLQName: ".dlq", Count: 1}, wantErr: true},
		{name: "Negative count", req: RetryDLQ{DLQName: "mail_queue.dlq", Count: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.ValidateRetryDLQ()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAutoRetryDLQ(t *testing.T) {
	assert.NoError(t, (&AutoRetryDLQ{DLQName: "noti_queue.dlq", MaxRetries: 3}).ValidateAutoRetryDLQ())
	assert.Error(t, (&AutoRetryDLQ{DLQName: "noti_queue.dlq"}).ValidateAutoRetryDLQ())
	assert.Error(t, (&AutoRetryDLQ{DLQName: "noti_queue", MaxRetries: 3}).ValidateAutoRetryDLQ())
}

func TestValidatePurgeDLQ(t *testing.T) {
	assert.NoError(t, (&PurgeDLQ{DLQName: "mail_queue.dlq"}).ValidatePurgeDLQ())
	assert.Error(t, (&PurgeDLQ{}).ValidatePurgeDLQ())
}
