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
	"strconv"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	HeaderRetryCount = "x-retry-count"
	HeaderLastError  = "x-last-error"
)

// Job is one delivery as seen by a Handler.
type Job struct {
	Queue       string
	Body        []byte
	Headers     amqp.Table
	RetryCount  int
	LastError   string
	Redelivered bool
}

func newJob(queue string, d amqp.Delivery) Job {
	return Job{
		Queue:       queue,
		Body:        d.Body,
		Headers:     d.Headers,
		RetryCount:  RetryCount(d.Headers),
		LastError:   LastError(d.Headers),
		Redelivered: d.Redelivered,
	}
}

// Decode strictly decodes the body into dst. A malformed body is reported as
// INVALID_INPUT so the retry policy sends it to the DLQ without retrying.
func (j Job) Decode(dst validation.Validatable) error {
	if err := model.DecodeJob(j.Body, dst); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "undecodable message on "+j.Queue, err)
	}
	return nil
}

// RetryCount reads x-retry-count. Missing or unreadable values count as zero.
func RetryCount(headers amqp.Table) int {
	v, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	var n int
	switch c := v.(type) {
	case int:
		n = c
	case int8:
		n = int(c)
	case int16:
		n = int(c)
	case int32:
		n = int(c)
	case int64:
		n = int(c)
	case uint8:
		n = int(c)
	case uint16:
		n = int(c)
	case uint32:
		n = int(c)
	case float32:
		n = int(c)
	case float64:
		n = int(c)
	case string:
		n, _ = strconv.Atoi(c)
	}
	if n < 0 {
		return 0
	}
	return n
}

func LastError(headers amqp.Table) string {
	if s, ok := headers[HeaderLastError].(string); ok {
		return s
	}
	return ""
}

// retryHeaders copies headers and sets the retry metadata for the next attempt.
func retryHeaders(headers amqp.Table, retryCount int, cause error) amqp.Table {
	out := make(amqp.Table, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderRetryCount] = int32(retryCount)
	out[HeaderLastError] = cause.Error()
	return out
}
