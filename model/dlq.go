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
	"encoding/json"
	"strings"
	"time"
)

const DLQSuffix = ".dlq"

// DLQName returns the dead-letter queue bound to a source queue.
func DLQName(queue string) string {
	return queue + DLQSuffix
}

// SourceQueue strips the dead-letter suffix. Names without it are returned as-is.
func SourceQueue(dlq string) string {
	return strings.TrimSuffix(dlq, DLQSuffix)
}

func IsDLQ(name string) bool {
	return strings.HasSuffix(name, DLQSuffix)
}

// DLQEnvelope wraps a message that ran out of retries. OriginalBody holds the
// exact delivered bytes and is what a replay publishes. OriginalMessage is the
// same payload for display only: JSON bodies are embedded as-is and anything
// else as a JSON string.
type DLQEnvelope struct {
	OriginalMessage json.RawMessage `json:"originalMessage"`
	OriginalBody    []byte          `json:"originalBody"`
	Error           string          `json:"error"`
	FailedAt        time.Time       `json:"failedAt"`
	SourceQueue     string          `json:"sourceQueue"`
}

// DLQMessage is a peeked dead-letter entry together with its transport headers.
type DLQMessage struct {
	Envelope   DLQEnvelope            `json:"envelope"`
	Headers    map[string]interface{} `json:"headers"`
	RetryCount int                    `json:"retryCount"`
}

const (
	QueueKindMain = "MAIN"
	QueueKindDLQ  = "DLQ"

	QueueStateExists    = "EXISTS"
	QueueStateNotExists = "NOT_EXISTS"
)

type QueueInfo struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	MessageCount  int    `json:"messageCount"`
	ConsumerCount int    `json:"consumerCount"`
}

type QueueDetail struct {
	QueueInfo
	DLQ *QueueInfo `json:"dlq,omitempty"`
}

type DLQStats struct {
	TotalQueues         int         `json:"totalQueues"`
	TotalDLQs           int         `json:"totalDlqs"`
	TotalMessages       int         `json:"totalMessages"`
	TotalFailedMessages int         `json:"totalFailedMessages"`
	Queues              []QueueInfo `json:"queues"`
}

type RetryResult struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}
