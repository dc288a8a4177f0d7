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
	"errors"

	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

var ErrRealtimeUnavailable = errors.New("realtime pusher is not configured")

// notificationEvent is the data pushed to each receiver.
type notificationEvent struct {
	NotifID string                 `json:"notifId"`
	Type    string                 `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

func (s *Settle) NewNotificationWorker() *worker.Worker {
	return worker.New(s.manager, worker.Options{
		Queue:      s.queues.NotificationQueue,
		Handler:    s.processNotificationJob,
		Retry:      s.retryPolicy(s.queues.Retries()),
		Publisher:  s.publisher,
		DeadLetter: s.dlq,
	})
}

// processNotificationJob pushes the notification to every receiver. The first
// failed push fails the whole job, so a retry pushes again to receivers that
// were already reached.
func (s *Settle) processNotificationJob(ctx context.Context, job worker.Job) error {
	var n model.NotificationJob
	if err := job.Decode(&n); err != nil {
		return err
	}

	if _, err := s.datasource.GetNotification(ctx, n.NotifID); err != nil {
		return err
	}
	if s.pusher == nil {
		return ErrRealtimeUnavailable
	}
	if err := s.datasource.UpdateNotificationStatus(ctx, n.NotifID, model.NotificationSent); err != nil {
		return err
	}

	event := notificationEvent{NotifID: n.NotifID, Type: n.Type, Title: n.Title, Message: n.Message, Meta: n.Meta}
	for _, receiver := range n.ReceiverIDs {
		if err := s.pusher.Push(ctx, receiver, n.Type, event); err != nil {
			if statusErr := s.datasource.UpdateNotificationStatus(ctx, n.NotifID, model.NotificationFailed); statusErr != nil {
				logrus.Errorf("cannot mark notification %s failed: %v", n.NotifID, statusErr)
			}
			return err
		}
	}
	logrus.Infof("notification %s pushed to %d receivers", n.NotifID, len(n.ReceiverIDs))
	return nil
}
