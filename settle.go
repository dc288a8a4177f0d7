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
	"embed"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/broker"
	"github.com/blnkfinance/settle/internal/mailer"
	"github.com/blnkfinance/settle/internal/provider"
	"github.com/blnkfinance/settle/internal/realtime"
	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Settle wires the settlement pipeline: stores, broker, gateway clients and
// the collaborators that deliver confirmations.
type Settle struct {
	datasource database.IDataSource
	manager    *broker.Manager
	publisher  *queuePublisher
	redis      redis.UniversalClient
	providers  *provider.Registry
	mailer     mailer.Mailer
	pusher     realtime.Pusher
	webhooks   WebhookSender
	dlq        *DLQManager
	queues     config.QueueConfig
	now        func() time.Time
	retrySleep func(ctx context.Context, d time.Duration)
}

type Option func(*Settle)

func WithProviders(r *provider.Registry) Option {
	return func(s *Settle) { s.providers = r }
}

func WithMailer(m mailer.Mailer) Option {
	return func(s *Settle) { s.mailer = m }
}

func WithPusher(p realtime.Pusher) Option {
	return func(s *Settle) { s.pusher = p }
}

func WithWebhooks(w WebhookSender) Option {
	return func(s *Settle) { s.webhooks = w }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Settle) { s.now = now }
}

// NewSettle builds the pipeline from the current configuration. The broker
// manager is not connected here; call Setup once it should be. redisClient may
// be nil, in which case DLQ admin operations and sweeps run without
// cross-process locks and realtime pushes are disabled unless a Pusher is given.
func NewSettle(db database.IDataSource, manager *broker.Manager, redisClient redis.UniversalClient, opts ...Option) (*Settle, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	s := &Settle{
		datasource: db,
		manager:    manager,
		publisher:  &queuePublisher{manager: manager, publisher: broker.NewPublisher(manager)},
		redis:      redisClient,
		queues:     cfg.Queue,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.providers == nil {
		s.providers = provider.FromConfig(cfg.Providers)
	}
	if s.mailer == nil {
		s.mailer = mailer.New(cfg.Mail)
	}
	if s.pusher == nil && redisClient != nil {
		s.pusher = realtime.NewRedisPusher(redisClient, cfg.Realtime.ChannelPrefix)
	}
	if s.webhooks == nil {
		s.webhooks = noopWebhooks{}
	}
	s.dlq = NewDLQManager(manager, s.publisher, redisClient, s.MainQueues(), cfg.Queue.AutoRetryDelay())
	s.dlq.OnDeadLetter(s.announceDeadLetter)
	return s, nil
}

func (s *Settle) retryPolicy(maxRetries int) *worker.RetryPolicy {
	policy := worker.NewRetryPolicy(maxRetries, s.queues.RetryDelay())
	policy.Sleep = s.retrySleep
	return policy
}

// MainQueues lists the work queues, each of which has one DLQ.
func (s *Settle) MainQueues() []string {
	return []string{s.queues.PaymentQueue, s.queues.MailQueue, s.queues.NotificationQueue}
}

func (s *Settle) DLQ() *DLQManager {
	return s.dlq
}

func (s *Settle) Manager() *broker.Manager {
	return s.manager
}

// Setup connects to the broker and declares every work queue and its DLQ.
func (s *Settle) Setup(ctx context.Context) error {
	if err := s.manager.Init(ctx); err != nil {
		return err
	}
	return s.declareQueues()
}

func (s *Settle) declareQueues() error {
	for _, q := range s.MainQueues() {
		for _, name := range []string{q, model.DLQName(q)} {
			if _, err := s.manager.CreateChannel(name, name, broker.QueueOptions{}); err != nil {
				return fmt.Errorf("declare %s: %w", name, err)
			}
		}
	}
	return nil
}

// queuePublisher publishes on the channel named after the target queue,
// reopening it when a reconnect dropped the cache.
type queuePublisher struct {
	manager   *broker.Manager
	publisher *broker.Publisher
}

func (p *queuePublisher) ensure(queue string) error {
	_, err := p.manager.CreateChannel(queue, queue, broker.QueueOptions{})
	return err
}

func (p *queuePublisher) Publish(ctx context.Context, queue string, data interface{}, opts ...broker.PublishOption) (bool, error) {
	if err := p.ensure(queue); err != nil {
		return false, err
	}
	return p.publisher.Publish(ctx, queue, data, opts...)
}

func (p *queuePublisher) PublishRaw(ctx context.Context, queue string, body []byte, opts ...broker.PublishOption) (bool, error) {
	if err := p.ensure(queue); err != nil {
		return false, err
	}
	return p.publisher.PublishRaw(ctx, queue, body, opts...)
}

// enqueue publishes a job and downgrades flow control to a warning. A job that
// is not accepted is picked up again by the reconciliation sweep.
func (s *Settle) enqueue(ctx context.Context, queue string, job interface{}) error {
	ok, err := s.publisher.Publish(ctx, queue, job)
	if err != nil {
		return err
	}
	if !ok {
		logrus.Warnf("job for %s not guaranteed delivered: broker flow control active", queue)
	}
	return nil
}
