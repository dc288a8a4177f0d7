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
	"net/http"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/provider"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	EventPaymentSettled      = "payment.settled"
	EventPaymentDeadLettered = "payment.dead_lettered"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// deadLetterPayload is the data of a payment.dead_lettered webhook.
type deadLetterPayload struct {
	Queue   string          `json:"queue"`
	Error   string          `json:"error"`
	Message json.RawMessage `json:"message"`
}

// WebhookSender hands outbound webhooks to a delivery queue.
type WebhookSender interface {
	SendWebhook(ctx context.Context, hook NewWebhook) error
}

type noopWebhooks struct{}

func (noopWebhooks) SendWebhook(context.Context, NewWebhook) error { return nil }

// AsynqWebhooks enqueues webhooks as asynq tasks; the workers command
// delivers them with ProcessWebhook.
type AsynqWebhooks struct {
	client *asynq.Client
	queue  string
}

func NewAsynqWebhooks(opt asynq.RedisConnOpt, queue string) *AsynqWebhooks {
	return &AsynqWebhooks{client: asynq.NewClient(opt), queue: queue}
}

// SendWebhook enqueues a webhook notification task. Nothing is enqueued when
// no webhook URL is configured.
//
// Parameters:
// - ctx context.Context: The context for the enqueue call.
// - hook NewWebhook: The webhook notification data to enqueue.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (w *AsynqWebhooks) SendWebhook(ctx context.Context, hook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(w.queue, payload, asynq.Queue(w.queue), asynq.MaxRetry(5))
	info, err := w.client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.Errorf("failed to enqueue webhook %s: %v", hook.Event, err)
		return err
	}
	logrus.Debugf("webhook %s enqueued as task %s", hook.Event, info.ID)
	return nil
}

func (w *AsynqWebhooks) Close() error {
	return w.client.Close()
}

func (s *Settle) sendWebhook(ctx context.Context, hook NewWebhook) {
	if err := s.webhooks.SendWebhook(ctx, hook); err != nil {
		logrus.Errorf("webhook %s not sent: %v", hook.Event, err)
	}
}

// announceDeadLetter emits payment.dead_lettered for payment jobs.
func (s *Settle) announceDeadLetter(ctx context.Context, queue string, body []byte, cause error) {
	if queue != s.queues.PaymentQueue {
		return
	}
	message := json.RawMessage(body)
	if !json.Valid(body) {
		message, _ = json.Marshal(string(body))
	}
	s.sendWebhook(ctx, NewWebhook{
		Event:   EventPaymentDeadLettered,
		Payload: deadLetterPayload{Queue: queue, Error: cause.Error(), Message: message},
	})
}

// ProcessWebhook delivers a webhook task over HTTP POST. The body is signed
// with the server secret in X-Settle-Signature when one is configured.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails; asynq retries the task.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var hook NewWebhook
	if err := json.Unmarshal(task.Payload(), &hook); err != nil {
		logrus.Errorf("Error unmarshaling webhook payload: %v", err)
		return err
	}

	req, err := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Webhook.Url, hook, conf.Notification.Webhook.Headers)
	if err != nil {
		return err
	}
	if conf.Server.SecretKey != "" {
		body, _ := json.Marshal(hook)
		req.Header.Set("X-Settle-Signature", provider.Sign(conf.Server.SecretKey, body))
	}

	if _, err := request.CallWithTimeout(req, nil, 30*time.Second); err != nil {
		logrus.Errorf("webhook %s delivery failed: %v", hook.Event, err)
		return err
	}
	logrus.Infof("webhook %s delivered", hook.Event)
	return nil
}
