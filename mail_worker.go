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
	"fmt"

	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// NewMailWorker consumes mail jobs. Mail is never retried in place: the first
// failure goes to the DLQ, since a second attempt could send a duplicate email.
func (s *Settle) NewMailWorker() *worker.Worker {
	return worker.New(s.manager, worker.Options{
		Queue:      s.queues.MailQueue,
		Handler:    s.processMailJob,
		Retry:      s.retryPolicy(0),
		Publisher:  s.publisher,
		DeadLetter: s.dlq,
		OnFailure:  s.recordMailFailure,
	})
}

func (s *Settle) processMailJob(ctx context.Context, job worker.Job) error {
	ctx, span := otel.Tracer("settle.mail.worker").Start(ctx, "Process Mail Job")
	defer span.End()

	var m model.MailJob
	if err := job.Decode(&m); err != nil {
		return err
	}

	log, err := s.datasource.GetPaymentLog(ctx, m.LogID)
	if err != nil {
		return err
	}
	if log.Steps.SendMail.Succeeded() {
		logrus.Infof("confirmation for payment log %s already sent, skipping", log.LogID)
		return nil
	}
	if !log.Steps.UpdateBooking.Succeeded() {
		return fmt.Errorf("payment log %s has no settled booking to confirm", log.LogID)
	}

	if err := s.mailer.Send(ctx, log.BookingID); err != nil {
		return err
	}

	log.Steps.SendMail.MarkSuccess()
	if err := log.Complete(); err != nil {
		return err
	}
	if err := s.datasource.UpdatePaymentLog(ctx, log); err != nil {
		return err
	}

	s.sendWebhook(ctx, NewWebhook{Event: EventPaymentSettled, Payload: log})
	return nil
}

func (s *Settle) recordMailFailure(ctx context.Context, job worker.Job, cause error) {
	var m model.MailJob
	if err := job.Decode(&m); err != nil {
		return
	}
	log, err := s.datasource.GetPaymentLog(ctx, m.LogID)
	if err != nil {
		logrus.Errorf("cannot record mail failure on payment log %s: %v", m.LogID, err)
		return
	}
	if err := log.Steps.SendMail.MarkFailure(cause); err != nil {
		return
	}
	if err := s.datasource.UpdatePaymentLog(ctx, log); err != nil {
		logrus.Errorf("cannot record mail failure on payment log %s: %v", m.LogID, err)
	}
}
