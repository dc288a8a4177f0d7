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
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/broker"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// HeaderReplays counts how many times a payload was sent back from a DLQ to
// its source queue. It travels with the replayed job, and SendToDLQ copies it
// into x-retry-count of the dead-letter message so AutoRetryWithBackoff can
// bound replays.
const HeaderReplays = "x-dlq-replays"

// AutoRetryBatch bounds how many messages one auto-retry run inspects.
const AutoRetryBatch = 50

var ErrDLQBusy = errors.New("another operation holds this dead-letter queue")

const dlqLockTTL = 2 * time.Minute

// DeadLetterHook observes every message moved to a DLQ.
type DeadLetterHook func(ctx context.Context, queue string, body []byte, cause error)

// DLQManager moves exhausted jobs into <queue>.dlq and serves the operator
// view of those queues. Admin operations on one DLQ hold a Redis lock, so
// inspect, retry and purge on the same DLQ never interleave across processes.
type DLQManager struct {
	manager    *broker.Manager
	publisher  dlqPublisher
	redis      redis.UniversalClient
	queues     []string
	retryDelay time.Duration
	hooks      []DeadLetterHook
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
}

var _ worker.DeadLetterer = (*DLQManager)(nil)

type dlqPublisher interface {
	worker.Publisher
	Publish(ctx context.Context, logicalName string, data interface{}, opts ...broker.PublishOption) (bool, error)
}

// NewDLQManager manages the DLQs of the given source queues. redisClient may
// be nil to run without locking.
func NewDLQManager(manager *broker.Manager, publisher dlqPublisher, redisClient redis.UniversalClient, queues []string, retryDelay time.Duration) *DLQManager {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &DLQManager{
		manager:    manager,
		publisher:  publisher,
		redis:      redisClient,
		queues:     queues,
		retryDelay: retryDelay,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (d *DLQManager) OnDeadLetter(hook DeadLetterHook) {
	d.hooks = append(d.hooks, hook)
}

// SendToDLQ wraps body in a DLQEnvelope and publishes it to the DLQ of queue.
// The message is then peeked back to confirm the broker made it visible; a
// message that cannot be observed is only logged.
func (d *DLQManager) SendToDLQ(ctx context.Context, body []byte, cause error, queue string, headers amqp.Table) error {
	dlq := model.DLQName(queue)
	original := json.RawMessage(body)
	if !json.Valid(body) {
		original, _ = json.Marshal(string(body))
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	envelope := model.DLQEnvelope{
		OriginalMessage: original,
		OriginalBody:    body,
		Error:           errText,
		FailedAt:        d.now().UTC(),
		SourceQueue:     queue,
	}

	dlqHeaders := amqp.Table{
		worker.HeaderRetryCount: int32(replays(headers)),
		worker.HeaderLastError:  errText,
	}
	ok, err := d.publisher.Publish(ctx, dlq, envelope, broker.WithHeaders(dlqHeaders))
	if err != nil {
		return fmt.Errorf("send to %s: %w", dlq, err)
	}
	if !ok {
		logrus.Warnf("dead-letter for %s not guaranteed delivered: broker flow control active", dlq)
	}

	if visible, err := d.peekOne(dlq); err != nil || !visible {
		logrus.Warnf("dead-letter for %s not observable after publish (err=%v)", dlq, err)
	}

	notification.NotifyDeadLetter(queue, errors.New(errText))
	for _, hook := range d.hooks {
		hook(ctx, queue, body, cause)
	}
	logrus.WithFields(logrus.Fields{"queue": queue, "dlq": dlq}).Infof("message dead-lettered: %s", errText)
	return nil
}

func replays(headers amqp.Table) int {
	return worker.RetryCount(amqp.Table{worker.HeaderRetryCount: headers[HeaderReplays]})
}

// peekOne gets and requeues the head of dlq.
func (d *DLQManager) peekOne(dlq string) (bool, error) {
	ch, err := d.manager.OpenTemporaryChannel()
	if err != nil {
		return false, err
	}
	defer closeQuietly(ch)

	msg, ok, err := ch.Get(dlq, false)
	if err != nil || !ok {
		return false, err
	}
	return true, msg.Nack(false, true)
}

func closeQuietly(ch broker.Channel) {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logrus.Debugf("closing temporary channel: %v", err)
	}
}

// validateDLQ accepts only the DLQ of a known source queue.
func (d *DLQManager) validateDLQ(dlq string) error {
	if model.IsDLQ(dlq) {
		source := model.SourceQueue(dlq)
		for _, q := range d.queues {
			if q == source {
				return nil
			}
		}
	}
	return apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown dead-letter queue %q", dlq), nil)
}

// withLock runs fn while holding the admin lock of dlq.
func (d *DLQManager) withLock(ctx context.Context, dlq string, fn func(ctx context.Context) error) error {
	if err := d.validateDLQ(dlq); err != nil {
		return err
	}
	if d.redis == nil {
		return fn(ctx)
	}
	locker := redlock.NewLocker(d.redis, redlock.DLQKey(dlq), uuid.NewString())
	err := locker.Do(ctx, dlqLockTTL, fn)
	if errors.Is(err, redlock.ErrLockHeld) {
		return fmt.Errorf("%s: %w", dlq, ErrDLQBusy)
	}
	return err
}

// depth returns the message count of queue, or false when it does not exist.
func (d *DLQManager) depth(queue string) (model.QueueInfo, error) {
	info := model.QueueInfo{Name: queue, Kind: model.QueueKindMain, State: model.QueueStateNotExists}
	if model.IsDLQ(queue) {
		info.Kind = model.QueueKindDLQ
	}

	ch, err := d.manager.OpenTemporaryChannel()
	if err != nil {
		return info, err
	}
	defer closeQuietly(ch)

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		if broker.IsNotFound(err) {
			return info, nil
		}
		return info, err
	}
	info.State = model.QueueStateExists
	info.MessageCount = q.Messages
	info.ConsumerCount = q.Consumers
	return info, nil
}

// holdAll gets up to limit messages from dlq without acking them. The caller
// settles each one; requeue releases them in reverse so the queue order is kept.
func holdAll(ch broker.Channel, dlq string, limit int) ([]amqp.Delivery, error) {
	var held []amqp.Delivery
	for len(held) < limit {
		msg, ok, err := ch.Get(dlq, false)
		if err != nil {
			return held, err
		}
		if !ok {
			break
		}
		held = append(held, msg)
	}
	return held, nil
}

func requeueAll(held []amqp.Delivery) {
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Nack(false, true); err != nil {
			logrus.Errorf("failed to requeue dead-letter %d: %v", held[i].DeliveryTag, err)
		}
	}
}

func decodeDLQMessage(msg amqp.Delivery) (model.DLQMessage, error) {
	var envelope model.DLQEnvelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		return model.DLQMessage{}, fmt.Errorf("undecodable dead-letter envelope: %w", err)
	}
	headers := make(map[string]interface{}, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return model.DLQMessage{
		Envelope:   envelope,
		Headers:    headers,
		RetryCount: worker.RetryCount(msg.Headers),
	}, nil
}

// InspectDLQ returns up to limit messages from the head of dlq and leaves
// every one of them in the queue.
func (d *DLQManager) InspectDLQ(ctx context.Context, dlq string, limit int) ([]model.DLQMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []model.DLQMessage
	err := d.withLock(ctx, dlq, func(ctx context.Context) error {
		info, err := d.depth(dlq)
		if err != nil || info.State == model.QueueStateNotExists {
			return err
		}
		if info.MessageCount < limit {
			limit = info.MessageCount
		}

		ch, err := d.manager.OpenTemporaryChannel()
		if err != nil {
			return err
		}
		defer closeQuietly(ch)

		held, err := holdAll(ch, dlq, limit)
		defer requeueAll(held)
		if err != nil {
			return err
		}
		out = make([]model.DLQMessage, 0, len(held))
		for _, msg := range held {
			m, err := decodeDLQMessage(msg)
			if err != nil {
				m = model.DLQMessage{
					Envelope:   model.DLQEnvelope{Error: err.Error(), OriginalMessage: json.RawMessage(quote(msg.Body))},
					RetryCount: worker.RetryCount(msg.Headers),
				}
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func quote(b []byte) []byte {
	out, _ := json.Marshal(string(b))
	return out
}

// replay republishes the original bytes of a dead-letter to its source queue.
func (d *DLQManager) replay(ctx context.Context, dlq string, msg amqp.Delivery) error {
	m, err := decodeDLQMessage(msg)
	if err != nil {
		return err
	}
	source := m.Envelope.SourceQueue
	if source == "" {
		source = model.SourceQueue(dlq)
	}
	original := m.Envelope.OriginalBody
	if original == nil {
		original = []byte(m.Envelope.OriginalMessage)
	}

	ok, err := d.publisher.PublishRaw(ctx, source, original,
		broker.WithHeaders(amqp.Table{HeaderReplays: int32(m.RetryCount + 1)}))
	if err != nil {
		return err
	}
	if !ok {
		return worker.ErrNotAccepted
	}
	return nil
}

// RetryMessage moves up to count messages from dlq back to their source
// queue. A dead-letter is acked only after its republish succeeded; failed
// ones are requeued on the DLQ.
func (d *DLQManager) RetryMessage(ctx context.Context, dlq string, count int) (int, error) {
	retried := 0
	err := d.withLock(ctx, dlq, func(ctx context.Context) error {
		info, err := d.depth(dlq)
		if err != nil || info.State == model.QueueStateNotExists {
			return err
		}

		ch, err := d.manager.OpenTemporaryChannel()
		if err != nil {
			return err
		}
		defer closeQuietly(ch)

		var held []amqp.Delivery
		defer func() { requeueAll(held) }()

		// each message is looked at once per call
		for seen := 0; retried < count && seen < info.MessageCount; seen++ {
			msg, ok, err := ch.Get(dlq, false)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := d.replay(ctx, dlq, msg); err != nil {
				logrus.Errorf("retry of dead-letter from %s failed: %v", dlq, err)
				held = append(held, msg)
				continue
			}
			if err := msg.Ack(false); err != nil {
				return err
			}
			retried++
		}
		return nil
	})
	if retried > 0 {
		logrus.Infof("retried %d messages from %s", retried, dlq)
	}
	return retried, err
}

// PurgeDLQ drops every message in dlq and returns how many were removed.
func (d *DLQManager) PurgeDLQ(ctx context.Context, dlq string) (int, error) {
	purged := 0
	err := d.withLock(ctx, dlq, func(ctx context.Context) error {
		ch, err := d.manager.OpenTemporaryChannel()
		if err != nil {
			return err
		}
		defer closeQuietly(ch)

		n, err := ch.QueuePurge(dlq, false)
		if err != nil {
			if broker.IsNotFound(err) {
				return nil
			}
			return err
		}
		purged = n
		return nil
	})
	if purged > 0 {
		logrus.Warnf("purged %d messages from %s", purged, dlq)
	}
	return purged, err
}

// AutoRetryWithBackoff replays up to AutoRetryBatch messages one at a time,
// waiting a fixed delay between items. Messages already replayed maxRetries
// times are skipped and stay in the DLQ.
func (d *DLQManager) AutoRetryWithBackoff(ctx context.Context, dlq string, maxRetries int) (model.RetryResult, error) {
	var result model.RetryResult
	err := d.withLock(ctx, dlq, func(ctx context.Context) error {
		info, err := d.depth(dlq)
		if err != nil || info.State == model.QueueStateNotExists {
			return err
		}
		limit := AutoRetryBatch
		if info.MessageCount < limit {
			limit = info.MessageCount
		}

		ch, err := d.manager.OpenTemporaryChannel()
		if err != nil {
			return err
		}
		defer closeQuietly(ch)

		batch, err := holdAll(ch, dlq, limit)
		var held []amqp.Delivery
		defer func() { requeueAll(held) }()
		if err != nil {
			held = batch
			return err
		}

		attempted := 0
		for _, msg := range batch {
			if worker.RetryCount(msg.Headers) >= maxRetries {
				result.Skipped++
				held = append(held, msg)
				continue
			}
			if attempted > 0 {
				d.sleep(ctx, d.retryDelay)
			}
			attempted++
			if err := d.replay(ctx, dlq, msg); err != nil {
				logrus.Errorf("auto-retry of dead-letter from %s failed: %v", dlq, err)
				result.Failed++
				held = append(held, msg)
				continue
			}
			if err := msg.Ack(false); err != nil {
				result.Failed++
				continue
			}
			result.Successful++
		}
		return nil
	})
	return result, err
}

// knownQueues lists every source queue followed by its DLQ.
func (d *DLQManager) knownQueues() []string {
	names := make([]string, 0, len(d.queues)*2)
	for _, q := range d.queues {
		names = append(names, q, model.DLQName(q))
	}
	return names
}

// ListAllQueues reports broker metadata for every source queue and DLQ.
// Missing queues are reported as NOT_EXISTS.
func (d *DLQManager) ListAllQueues(ctx context.Context) ([]model.QueueInfo, error) {
	names := d.knownQueues()
	out := make([]model.QueueInfo, 0, len(names))
	for _, name := range names {
		info, err := d.depth(name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// GetQueueDetail describes one known queue; a source queue also carries its DLQ.
func (d *DLQManager) GetQueueDetail(ctx context.Context, name string) (*model.QueueDetail, error) {
	known := false
	for _, q := range d.knownQueues() {
		if q == name {
			known = true
			break
		}
	}
	if !known {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("queue %q is not managed", name), nil)
	}

	info, err := d.depth(name)
	if err != nil {
		return nil, err
	}
	detail := &model.QueueDetail{QueueInfo: info}
	if !model.IsDLQ(name) {
		dlqInfo, err := d.depth(model.DLQName(name))
		if err != nil {
			return nil, err
		}
		detail.DLQ = &dlqInfo
	}
	return detail, nil
}

// Stats aggregates ListAllQueues.
func (d *DLQManager) Stats(ctx context.Context) (*model.DLQStats, error) {
	queues, err := d.ListAllQueues(ctx)
	if err != nil {
		return nil, err
	}
	stats := &model.DLQStats{Queues: queues}
	for _, q := range queues {
		if q.Kind == model.QueueKindDLQ {
			stats.TotalDLQs++
			stats.TotalFailedMessages += q.MessageCount
		} else {
			stats.TotalQueues++
		}
		stats.TotalMessages += q.MessageCount
	}
	return stats, nil
}

// DLQStatus is the overview served by the status endpoint.
type DLQStatus struct {
	Broker broker.Health     `json:"broker"`
	DLQs   []model.QueueInfo `json:"dlqs"`
}

func (d *DLQManager) Status(ctx context.Context) (*DLQStatus, error) {
	status := &DLQStatus{Broker: d.manager.Health()}
	for _, q := range d.queues {
		info, err := d.depth(model.DLQName(q))
		if err != nil {
			return nil, err
		}
		status.DLQs = append(status.DLQs, info)
	}
	return status, nil
}
