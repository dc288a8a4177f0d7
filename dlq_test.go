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

package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/broker"
	"github.com/blnkfinance/settle/internal/broker/brokertest"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentDLQ = model.DLQName(paymentQueue)

func deadLetter(t *testing.T, h *harness, n int) [][]byte {
	t.Helper()
	var bodies [][]byte
	for i := 0; i < n; i++ {
		body := []byte(fmt.Sprintf(`{"logId":"plog_%d"}`, i))
		require.NoError(t, h.settle.dlq.SendToDLQ(context.Background(), body, errors.New("boom"), paymentQueue, nil))
		bodies = append(bodies, body)
	}
	return bodies
}

func originals(t *testing.T, msgs []brokertest.Message) []string {
	t.Helper()
	var out []string
	for _, m := range msgs {
		var envelope model.DLQEnvelope
		require.NoError(t, json.Unmarshal(m.Body, &envelope))
		out = append(out, string(envelope.OriginalMessage))
	}
	return out
}

func TestSendToDLQWrapsMessage(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.settle.dlq.now = func() time.Time { return now }

	body := []byte(`{"logId":"plog_1"}`)
	err := h.settle.dlq.SendToDLQ(context.Background(), body, errors.New("booking store down"), paymentQueue,
		amqp.Table{HeaderReplays: int32(2), worker.HeaderRetryCount: int32(3)})
	require.NoError(t, err)

	msgs := h.broker.Messages(paymentDLQ)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint8(amqp.Persistent), msgs[0].DeliveryMode)
	assert.Equal(t, 2, worker.RetryCount(msgs[0].Headers))
	assert.Equal(t, "booking store down", worker.LastError(msgs[0].Headers))

	var envelope model.DLQEnvelope
	require.NoError(t, json.Unmarshal(msgs[0].Body, &envelope))
	assert.Equal(t, string(body), string(envelope.OriginalMessage))
	assert.Equal(t, body, envelope.OriginalBody)
	assert.Equal(t, "booking store down", envelope.Error)
	assert.Equal(t, paymentQueue, envelope.SourceQueue)
	assert.True(t, envelope.FailedAt.Equal(now))
}

func TestDLQRoundTripIsByteIdentical(t *testing.T) {
	h := newHarness(t)
	bodies := [][]byte{
		[]byte(`{"logId":"plog_1","meta":{"a":[1,2,3]}}`),
		[]byte("not json at all"),
		[]byte(`{"notifId":"ntf_1","title":"Tom & Jerry <3"}`),
		[]byte("{\n  \"logId\": \"plog_2\"\n}"),
		[]byte(`"plain-json-string"`),
		[]byte(`"a <b> & c"`),
	}
	for _, body := range bodies {
		require.NoError(t, h.settle.dlq.SendToDLQ(context.Background(), body, errors.New("boom"), paymentQueue, nil))
	}

	n, err := h.settle.dlq.RetryMessage(context.Background(), paymentDLQ, len(bodies))
	require.NoError(t, err)
	assert.Equal(t, len(bodies), n)

	replayed := h.broker.Messages(paymentQueue)
	require.Len(t, replayed, len(bodies))
	for i, m := range replayed {
		assert.Equal(t, bodies[i], m.Body)
		assert.Equal(t, int32(1), m.Headers[HeaderReplays])
		assert.NotContains(t, m.Headers, worker.HeaderRetryCount)
	}
	assert.Empty(t, h.broker.Messages(paymentDLQ))
}

func TestReplayOfEnvelopeWithoutOriginalBody(t *testing.T) {
	h := newHarness(t)
	envelope, err := json.Marshal(model.DLQEnvelope{OriginalMessage: json.RawMessage(`{"logId":"plog_1"}`), SourceQueue: paymentQueue})
	require.NoError(t, err)
	h.broker.Enqueue(paymentDLQ, envelope, nil)

	n, err := h.settle.dlq.RetryMessage(context.Background(), paymentDLQ, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	replayed := h.broker.Messages(paymentQueue)
	require.Len(t, replayed, 1)
	assert.Equal(t, `{"logId":"plog_1"}`, string(replayed[0].Body))
}

func TestInspectDLQLeavesMessagesInPlace(t *testing.T) {
	h := newHarness(t)
	bodies := deadLetter(t, h, 5)

	msgs, err := h.settle.dlq.InspectDLQ(context.Background(), paymentDLQ, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, string(bodies[i]), string(m.Envelope.OriginalMessage))
		assert.Equal(t, "boom", m.Envelope.Error)
	}

	var want []string
	for _, b := range bodies {
		want = append(want, string(b))
	}
	assert.Equal(t, want, originals(t, h.broker.Messages(paymentDLQ)))
	assert.Zero(t, h.broker.Unacked())
}

func TestInspectDLQLimitAboveDepth(t *testing.T) {
	h := newHarness(t)
	deadLetter(t, h, 2)

	msgs, err := h.settle.dlq.InspectDLQ(context.Background(), paymentDLQ, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Len(t, h.broker.Messages(paymentDLQ), 2)
}

func TestRetryMessageMovesFromHead(t *testing.T) {
	h := newHarness(t)
	bodies := deadLetter(t, h, 3)

	n, err := h.settle.dlq.RetryMessage(context.Background(), paymentDLQ, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	replayed := h.broker.Messages(paymentQueue)
	require.Len(t, replayed, 2)
	assert.Equal(t, bodies[0], replayed[0].Body)
	assert.Equal(t, bodies[1], replayed[1].Body)
	assert.Equal(t, []string{string(bodies[2])}, originals(t, h.broker.Messages(paymentDLQ)))
}

func TestRetryMessageKeepsFailedRepublishes(t *testing.T) {
	h := newHarness(t)
	bodies := deadLetter(t, h, 3)
	h.broker.FailPublishes(errors.New("channel closed"))

	n, err := h.settle.dlq.RetryMessage(context.Background(), paymentDLQ, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.broker.FailPublishes(nil)
	var want []string
	for _, b := range bodies {
		want = append(want, string(b))
	}
	assert.Equal(t, want, originals(t, h.broker.Messages(paymentDLQ)))
	assert.Empty(t, h.broker.Messages(paymentQueue))
}

func TestPurgeDLQ(t *testing.T) {
	h := newHarness(t)
	deadLetter(t, h, 4)

	n, err := h.settle.dlq.PurgeDLQ(context.Background(), paymentDLQ)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = h.settle.dlq.PurgeDLQ(context.Background(), paymentDLQ)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoRetrySkipsExhaustedMessages(t *testing.T) {
	h := newHarness(t)
	for i, replays := range []int32{0, 3, 1} {
		envelope, err := json.Marshal(model.DLQEnvelope{
			OriginalMessage: json.RawMessage(fmt.Sprintf(`{"logId":"plog_%d"}`, i)),
			Error:           "boom",
			SourceQueue:     paymentQueue,
		})
		require.NoError(t, err)
		h.broker.Enqueue(paymentDLQ, envelope, amqp.Table{worker.HeaderRetryCount: replays})
	}

	var slept int
	h.settle.dlq.sleep = func(context.Context, time.Duration) { slept++ }

	result, err := h.settle.dlq.AutoRetryWithBackoff(context.Background(), paymentDLQ, 3)
	require.NoError(t, err)
	assert.Equal(t, model.RetryResult{Successful: 2, Skipped: 1}, result)
	assert.Equal(t, 1, slept)

	replayed := h.broker.Messages(paymentQueue)
	require.Len(t, replayed, 2)
	assert.Equal(t, `{"logId":"plog_0"}`, string(replayed[0].Body))
	assert.Equal(t, int32(1), replayed[0].Headers[HeaderReplays])
	assert.Equal(t, `{"logId":"plog_2"}`, string(replayed[1].Body))
	assert.Equal(t, int32(2), replayed[1].Headers[HeaderReplays])

	left := h.broker.Messages(paymentDLQ)
	require.Len(t, left, 1)
	assert.Equal(t, 3, worker.RetryCount(left[0].Headers))
}

func TestAutoRetryBatchIsBounded(t *testing.T) {
	h := newHarness(t)
	deadLetter(t, h, AutoRetryBatch+5)

	result, err := h.settle.dlq.AutoRetryWithBackoff(context.Background(), paymentDLQ, 3)
	require.NoError(t, err)
	assert.Equal(t, AutoRetryBatch, result.Successful)
	assert.Len(t, h.broker.Messages(paymentDLQ), 5)
}

func TestDLQOperationsRejectUnknownQueues(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"orders.dlq", paymentQueue, ""} {
		_, err := h.settle.dlq.InspectDLQ(context.Background(), name, 1)
		assert.True(t, apierror.Is(err, apierror.ErrBadRequest), name)
		_, err = h.settle.dlq.PurgeDLQ(context.Background(), name)
		assert.True(t, apierror.Is(err, apierror.ErrBadRequest), name)
	}
}

func TestDLQOperationsAreExclusive(t *testing.T) {
	h := newHarness(t)
	deadLetter(t, h, 1)
	require.NoError(t, h.redis.Set(redlock.DLQKey(paymentDLQ), "another-process"))

	_, err := h.settle.dlq.RetryMessage(context.Background(), paymentDLQ, 1)
	assert.ErrorIs(t, err, ErrDLQBusy)
	_, err = h.settle.dlq.PurgeDLQ(context.Background(), paymentDLQ)
	assert.ErrorIs(t, err, ErrDLQBusy)
	assert.Len(t, h.broker.Messages(paymentDLQ), 1)

	h.redis.Del(redlock.DLQKey(paymentDLQ))
	n, err := h.settle.dlq.PurgeDLQ(context.Background(), paymentDLQ)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, h.redis.Exists(redlock.DLQKey(paymentDLQ)))
}

func TestQueueMetadata(t *testing.T) {
	h := newHarness(t)
	deadLetter(t, h, 2)

	queues, err := h.settle.dlq.ListAllQueues(context.Background())
	require.NoError(t, err)
	require.Len(t, queues, 6)
	assert.Equal(t, model.QueueInfo{Name: paymentQueue, Kind: model.QueueKindMain, State: model.QueueStateExists}, queues[0])
	assert.Equal(t, model.QueueInfo{Name: paymentDLQ, Kind: model.QueueKindDLQ, State: model.QueueStateExists, MessageCount: 2}, queues[1])

	detail, err := h.settle.dlq.GetQueueDetail(context.Background(), paymentQueue)
	require.NoError(t, err)
	require.NotNil(t, detail.DLQ)
	assert.Equal(t, 2, detail.DLQ.MessageCount)

	detail, err = h.settle.dlq.GetQueueDetail(context.Background(), paymentDLQ)
	require.NoError(t, err)
	assert.Nil(t, detail.DLQ)

	_, err = h.settle.dlq.GetQueueDetail(context.Background(), "orders")
	assert.True(t, apierror.IsNotFound(err))

	stats, err := h.settle.dlq.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalQueues)
	assert.Equal(t, 3, stats.TotalDLQs)
	assert.Equal(t, 2, stats.TotalMessages)
	assert.Equal(t, 2, stats.TotalFailedMessages)

	status, err := h.settle.dlq.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, broker.StateConnected, status.Broker.State)
	assert.Len(t, status.DLQs, 3)
}

func TestMissingQueuesAreReportedNotFailed(t *testing.T) {
	h := newHarness(t)

	// a second pipeline on a broker where nothing was declared
	b := brokertest.New()
	m := broker.NewManager("amqp://localhost", broker.Options{Dialer: b.Dialer()})
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.Close)
	s, err := NewSettle(h.store, m, nil)
	require.NoError(t, err)

	queues, err := s.dlq.ListAllQueues(context.Background())
	require.NoError(t, err)
	require.Len(t, queues, 6)
	for _, q := range queues {
		assert.Equal(t, model.QueueStateNotExists, q.State, q.Name)
	}

	n, err := s.dlq.PurgeDLQ(context.Background(), paymentDLQ)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := s.dlq.InspectDLQ(context.Background(), paymentDLQ, 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, b.HasQueue(paymentDLQ))
}
