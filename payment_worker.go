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
	"fmt"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// NewPaymentWorker consumes payment jobs with the configured retry budget.
func (s *Settle) NewPaymentWorker() *worker.Worker {
	return worker.New(s.manager, worker.Options{
		Queue:      s.queues.PaymentQueue,
		Handler:    s.processPaymentJob,
		Retry:      s.retryPolicy(s.queues.Retries()),
		Publisher:  s.publisher,
		DeadLetter: s.dlq,
		OnFailure:  s.recordPaymentFailure,
	})
}

// processPaymentJob flips the booking to paid, records the updateBooking step
// and hands the log to the mail queue. A log whose booking step already
// succeeded never touches the booking again; it is only handed to the mail
// queue when its mail step has not succeeded yet.
func (s *Settle) processPaymentJob(ctx context.Context, job worker.Job) error {
	ctx, span := otel.Tracer("settle.payment.worker").Start(ctx, "Process Payment Job")
	defer span.End()

	var p model.PaymentJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("log.id", p.LogID))

	log, err := s.datasource.GetPaymentLog(ctx, p.LogID)
	if err != nil {
		return err
	}
	if log.Steps.UpdateBooking.Succeeded() {
		if log.Steps.SendMail.Succeeded() {
			logrus.Infof("payment log %s already settled its booking, skipping", log.LogID)
			return nil
		}
		// the mail hand-off may have failed after the booking step was stored
		logrus.Infof("payment log %s already settled its booking, queueing mail", log.LogID)
		return s.enqueue(ctx, s.queues.MailQueue, model.MailJob{LogID: log.LogID})
	}

	if err := s.completeBookingPayment(ctx, log); err != nil {
		if apierror.IsInvalidState(err) {
			s.recordBenignFailure(ctx, log, err)
			return nil
		}
		return err
	}

	return s.enqueue(ctx, s.queues.MailQueue, model.MailJob{LogID: log.LogID})
}

// completeBookingPayment is the settlement step shared by the payment worker
// and the reconciliation sweep. It marks the booking paid and persists
// updateBooking=SUCCESS on log. A booking that some other path already paid
// still counts as settled. A missing booking is NOT_FOUND and a deleted one is
// INVALID_STATE; neither touches the log.
func (s *Settle) completeBookingPayment(ctx context.Context, log *model.PaymentLog) error {
	booking, err := s.datasource.GetBooking(ctx, log.BookingID)
	if err != nil {
		return err
	}

	switch {
	case booking.IsDeleted:
		err = apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Booking '%s' was deleted", booking.BookingID), database.ErrBookingDeleted)
	case booking.IsPaid:
		err = apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Booking '%s' is already paid", booking.BookingID), database.ErrBookingAlreadyPaid)
	default:
		err = s.datasource.MarkBookingPaid(ctx, booking.BookingID, log.Provider, s.now())
	}

	if err != nil {
		if !errors.Is(err, database.ErrBookingAlreadyPaid) {
			return err
		}
		logrus.Infof("booking %s was already paid, recording step for log %s", booking.BookingID, log.LogID)
	}

	log.Steps.UpdateBooking.MarkSuccess()
	return s.datasource.UpdatePaymentLog(ctx, log)
}

// recordBenignFailure keeps a note of a settlement that can never happen, such
// as a payment for a deleted booking. The job itself is acknowledged.
func (s *Settle) recordBenignFailure(ctx context.Context, log *model.PaymentLog, cause error) {
	logrus.WithFields(logrus.Fields{
		"log_id":     log.LogID,
		"booking_id": log.BookingID,
	}).Warnf("settlement skipped: %v", cause)

	if err := log.Steps.UpdateBooking.MarkFailure(cause); err != nil {
		return
	}
	log.Status = model.StatusFailed
	if err := s.datasource.UpdatePaymentLog(ctx, log); err != nil {
		logrus.Errorf("failed to record skipped settlement on log %s: %v", log.LogID, err)
	}
}

// recordPaymentFailure runs before the retry policy and stores the failure on
// the updateBooking step.
func (s *Settle) recordPaymentFailure(ctx context.Context, job worker.Job, cause error) {
	var p model.PaymentJob
	if err := job.Decode(&p); err != nil {
		return
	}
	log, err := s.datasource.GetPaymentLog(ctx, p.LogID)
	if err != nil {
		logrus.Errorf("cannot record failure on payment log %s: %v", p.LogID, err)
		return
	}
	if err := log.Steps.UpdateBooking.MarkFailure(cause); err != nil {
		// booking step already done; the failure happened after it
		return
	}
	log.Status = model.StatusFailed
	if err := s.datasource.UpdatePaymentLog(ctx, log); err != nil {
		logrus.Errorf("cannot record failure on payment log %s: %v", p.LogID, err)
	}
}
