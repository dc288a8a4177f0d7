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

// Package worker runs one consume loop per queue with prefetch 1 and explicit
// acknowledgement, and applies a retry policy to failed deliveries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrStopped = errors.New("worker stopped")

var tracer = otel.Tracer("settle.worker")

// Handler processes one job. Returning nil acks the delivery.
type Handler func(ctx context.Context, job Job) error

// FailureHook observes a failed job before the failure policy runs.
type FailureHook func(ctx context.Context, job Job, err error)

// Publisher is what the retry policy needs to republish a job.
type Publisher interface {
	PublishRaw(ctx context.Context, logicalName string, body []byte, opts ...broker.PublishOption) (bool, error)
}

// DeadLetterer receives jobs whose retry budget is spent. headers are the
// transport headers of the final delivery.
type DeadLetterer interface {
	SendToDLQ(ctx context.Context, body []byte, cause error, queue string, headers amqp.Table) error
}

type Options struct {
	// Name is the logical channel name; it defaults to Queue.
	Name    string
	Queue   string
	Handler Handler

	// Retry enables republish-with-counter retries. Without it a failed
	// delivery is nacked without requeue and nothing else happens.
	Retry      *RetryPolicy
	Publisher  Publisher
	DeadLetter DeadLetterer
	OnFailure  FailureHook
}

type Worker struct {
	manager *broker.Manager
	opts    Options

	mu          sync.Mutex
	running     bool
	stopped     bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	loopDone    chan struct{}
	consumerTag string
	wg          sync.WaitGroup
	listening   bool
}

func New(manager *broker.Manager, opts Options) *Worker {
	if opts.Name == "" {
		opts.Name = opts.Queue
	}
	return &Worker{manager: manager, opts: opts, consumerTag: "settle-" + opts.Queue}
}

func (w *Worker) Name() string {
	return w.opts.Name
}

func (w *Worker) Queue() string {
	return w.opts.Queue
}

// Start subscribes to the queue. It is a no-op while running and returns
// ErrStopped once Stop has been called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.running {
		return nil
	}
	w.baseCtx, w.cancel = context.WithCancel(ctx)
	if err := w.subscribeLocked(); err != nil {
		w.cancel()
		return err
	}
	w.running = true
	if !w.listening {
		w.listening = true
		w.manager.OnReconnect(func() { go w.resubscribe() })
	}
	logrus.Infof("worker %s consuming from %s", w.opts.Name, w.opts.Queue)
	return nil
}

func (w *Worker) subscribeLocked() error {
	ch, err := w.manager.CreateChannel(w.opts.Name, w.opts.Queue, broker.QueueOptions{})
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.opts.Name, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("worker %s: set prefetch: %w", w.opts.Name, err)
	}
	deliveries, err := ch.ConsumeWithContext(w.baseCtx, w.opts.Queue, w.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker %s: consume: %w", w.opts.Name, err)
	}
	done := make(chan struct{})
	w.loopDone = done

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(done)
		w.loop(deliveries)
	}()
	return nil
}

func (w *Worker) loop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		w.handle(d)
	}
	logrus.Infof("worker %s delivery stream ended", w.opts.Name)
}

// resubscribe waits for the stream of the lost connection to end, then
// consumes again on a fresh channel.
func (w *Worker) resubscribe() {
	w.mu.Lock()
	done := w.loopDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.stopped || w.loopDone != done {
		return
	}
	if err := w.subscribeLocked(); err != nil {
		logrus.Errorf("worker %s failed to resubscribe after reconnect: %v", w.opts.Name, err)
		return
	}
	logrus.Infof("worker %s resubscribed to %s", w.opts.Name, w.opts.Queue)
}

// Stop cancels the subscription and waits for an in-flight job to finish.
// Later calls to Start return ErrStopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.running = false
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	w.wg.Wait()
	logrus.Infof("worker %s stopped", w.opts.Name)
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// handle settles every delivery with exactly one ack or nack.
func (w *Worker) handle(d amqp.Delivery) {
	w.mu.Lock()
	sleepCtx := w.baseCtx
	w.mu.Unlock()
	// an in-flight job is not interrupted by Stop
	ctx := context.WithoutCancel(sleepCtx)

	job := newJob(w.opts.Queue, d)
	ctx, span := tracer.Start(ctx, "worker."+w.opts.Name, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("queue", w.opts.Queue),
		attribute.Int("retry_count", job.RetryCount),
	)
	defer span.End()

	err := w.invoke(ctx, job)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logrus.Errorf("worker %s: ack failed: %v", w.opts.Name, ackErr)
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logrus.WithFields(logrus.Fields{
		"worker":      w.opts.Name,
		"queue":       w.opts.Queue,
		"retry_count": job.RetryCount,
	}).Errorf("job failed: %v", err)

	w.runFailureHook(ctx, job, err)
	w.fail(ctx, sleepCtx, d, job, err)
}

func (w *Worker) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.opts.Handler(ctx, job)
}

func (w *Worker) runFailureHook(ctx context.Context, job Job, err error) {
	if w.opts.OnFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("worker %s: failure hook panic: %v", w.opts.Name, r)
		}
	}()
	w.opts.OnFailure(ctx, job, err)
}

func (w *Worker) fail(ctx, sleepCtx context.Context, d amqp.Delivery, job Job, cause error) {
	policy := w.opts.Retry
	if policy == nil {
		w.nack(d)
		return
	}

	if job.RetryCount < policy.MaxRetries && apierror.IsRetryable(cause) && w.opts.Publisher != nil {
		err := policy.retry(ctx, sleepCtx, w.opts.Publisher, w.opts.Name, job, cause)
		if err == nil {
			if ackErr := d.Ack(false); ackErr != nil {
				logrus.Errorf("worker %s: ack after retry publish failed: %v", w.opts.Name, ackErr)
			}
			logrus.Infof("worker %s: scheduled retry %d/%d", w.opts.Name, job.RetryCount+1, policy.MaxRetries)
			return
		}
		logrus.Errorf("worker %s: retry publish failed, treating as final: %v", w.opts.Name, err)
		cause = fmt.Errorf("%w (retry publish failed: %v)", cause, err)
	}

	if w.opts.DeadLetter != nil {
		if err := w.opts.DeadLetter.SendToDLQ(ctx, job.Body, cause, w.opts.Queue, job.Headers); err != nil {
			logrus.Errorf("worker %s: dead-letter failed: %v", w.opts.Name, err)
		}
	}
	w.nack(d)
}

func (w *Worker) nack(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		logrus.Errorf("worker %s: nack failed: %v", w.opts.Name, err)
	}
}
