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
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/worker"
	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobFor(t *testing.T, queue string, v interface{}) worker.Job {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return worker.Job{Queue: queue, Body: body}
}

func decodeMailJobs(t *testing.T, h *harness) []model.MailJob {
	t.Helper()
	var out []model.MailJob
	for _, m := range h.broker.Messages(mailQueue) {
		var job model.MailJob
		require.NoError(t, json.Unmarshal(m.Body, &job))
		out = append(out, job)
	}
	return out
}

func TestPaymentAndMailWorkersSettleBooking(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")

	for _, w := range []*worker.Worker{h.settle.NewPaymentWorker(), h.settle.NewMailWorker()} {
		require.NoError(t, w.Start(context.Background()))
		t.Cleanup(w.Stop)
	}

	ok, err := h.settle.publisher.Publish(context.Background(), paymentQueue, model.PaymentJob{LogID: log.LogID})
	require.NoError(t, err)
	require.True(t, ok)

	waitFor(t, func() bool { return h.store.log(t, log.LogID).Status == model.StatusSuccess }, "payment log never settled")

	settled := h.store.log(t, log.LogID)
	assert.Equal(t, model.StatusSuccess, settled.Steps.UpdateBooking.Status)
	assert.Equal(t, model.StatusSuccess, settled.Steps.SendMail.Status)
	assert.Equal(t, 1, settled.Steps.UpdateBooking.Attempts)

	booking := h.store.booking(t, "bk_1")
	assert.True(t, booking.IsPaid)
	assert.Equal(t, string(model.ProviderMomo), booking.PaymentLink)
	assert.NotNil(t, booking.PaymentDate)

	assert.Equal(t, []string{"bk_1"}, h.mailer.Sent())
	assert.Equal(t, []string{EventPaymentSettled}, h.webhooks.Events())
	assert.Empty(t, h.broker.Messages(model.DLQName(paymentQueue)))
}

func TestPaymentJobIsIdempotent(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	job := jobFor(t, paymentQueue, model.PaymentJob{LogID: log.LogID})

	require.NoError(t, h.settle.processPaymentJob(context.Background(), job))
	require.NoError(t, h.settle.processPaymentJob(context.Background(), job))

	assert.Equal(t, 1, h.store.paidCount())
	assert.Equal(t, 1, h.store.log(t, log.LogID).Steps.UpdateBooking.Attempts)
	// mail is still pending, so the replay hands the log to mail again
	assert.Len(t, decodeMailJobs(t, h), 2)
}

func TestReplayAfterMailSentHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	log.Steps.UpdateBooking.MarkSuccess()
	log.Steps.SendMail.MarkSuccess()
	require.NoError(t, log.Complete())
	h.store.addLog(log)

	require.NoError(t, h.settle.processPaymentJob(context.Background(), jobFor(t, paymentQueue, model.PaymentJob{LogID: log.LogID})))

	assert.Zero(t, h.store.paidCount())
	assert.Empty(t, h.broker.Messages(mailQueue))
	assert.Equal(t, 1, h.store.log(t, log.LogID).Steps.UpdateBooking.Attempts)
}

func TestMailHandOffSurvivesPublishFailure(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	job := jobFor(t, paymentQueue, model.PaymentJob{LogID: log.LogID})

	h.broker.FailPublishes(errors.New("broker hiccup"))
	err := h.settle.processPaymentJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, h.store.log(t, log.LogID).Steps.UpdateBooking.Succeeded())
	assert.Empty(t, h.broker.Messages(mailQueue))

	h.broker.FailPublishes(nil)
	require.NoError(t, h.settle.processPaymentJob(context.Background(), job))

	assert.Equal(t, 1, h.store.paidCount())
	jobs := decodeMailJobs(t, h)
	require.Len(t, jobs, 1)
	assert.Equal(t, log.LogID, jobs[0].LogID)
	stored := h.store.log(t, log.LogID)
	assert.Equal(t, model.StatusPending, stored.Steps.SendMail.Status)
	assert.Equal(t, 1, stored.Steps.UpdateBooking.Attempts)
}

func TestConcurrentPaymentJobsPayOnce(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	job := jobFor(t, paymentQueue, model.PaymentJob{LogID: log.LogID})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.settle.processPaymentJob(context.Background(), job)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.store.paidCount())
	assert.True(t, h.store.log(t, log.LogID).Steps.UpdateBooking.Succeeded())
	for _, m := range decodeMailJobs(t, h) {
		assert.Equal(t, log.LogID, m.LogID)
	}
}

func TestAlreadyPaidBookingCountsAsSettled(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	require.NoError(t, h.store.MarkBookingPaid(context.Background(), "bk_1", model.ProviderVNPay, time.Now()))

	err := h.settle.processPaymentJob(context.Background(), jobFor(t, paymentQueue, model.PaymentJob{LogID: log.LogID}))
	require.NoError(t, err)

	assert.True(t, h.store.log(t, log.LogID).Steps.UpdateBooking.Succeeded())
	assert.Len(t, decodeMailJobs(t, h), 1)
	assert.Equal(t, string(model.ProviderVNPay), h.store.booking(t, "bk_1").PaymentLink)
}

func TestDeletedBookingIsAcknowledgedWithoutSettling(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	h.store.mu.Lock()
	h.store.bookings["bk_1"].IsDeleted = true
	h.store.mu.Unlock()

	err := h.settle.processPaymentJob(context.Background(), jobFor(t, paymentQueue, model.PaymentJob{LogID: log.LogID}))
	require.NoError(t, err)

	stored := h.store.log(t, log.LogID)
	assert.Equal(t, model.StatusFailed, stored.Steps.UpdateBooking.Status)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.Steps.UpdateBooking.LastError)
	assert.Contains(t, *stored.Steps.UpdateBooking.LastError, "deleted")
	assert.Empty(t, h.broker.Messages(mailQueue))
	assert.Zero(t, h.store.paidCount())
}

func TestPaymentJobForMissingLogFails(t *testing.T) {
	h := newHarness(t)
	err := h.settle.processPaymentJob(context.Background(), jobFor(t, paymentQueue, model.PaymentJob{LogID: "plog_missing"}))
	assert.True(t, apierror.IsNotFound(err))
}

func TestMalformedPaymentJobIsInvalidInput(t *testing.T) {
	h := newHarness(t)
	err := h.settle.processPaymentJob(context.Background(), worker.Job{Queue: paymentQueue, Body: []byte(`{"logId":"x","extra":1}`)})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
	assert.False(t, apierror.IsRetryable(err))
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	h.store.setBookingErr(apierror.NewAPIError(apierror.ErrTransientIO, "bookings unavailable", errors.New("connection refused")))

	w := h.settle.NewPaymentWorker()
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	body := []byte(`{"logId":"` + log.LogID + `"}`)
	ok, err := h.settle.publisher.PublishRaw(context.Background(), paymentQueue, body)
	require.NoError(t, err)
	require.True(t, ok)

	dlq := model.DLQName(paymentQueue)
	waitFor(t, func() bool { return len(h.webhooks.Events()) == 1 }, "job never reached the DLQ")
	require.Len(t, h.broker.Messages(dlq), 1)

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, h.Sleeps())

	msg := h.broker.Messages(dlq)[0]
	var envelope model.DLQEnvelope
	require.NoError(t, json.Unmarshal(msg.Body, &envelope))
	assert.JSONEq(t, string(body), string(envelope.OriginalMessage))
	assert.Equal(t, paymentQueue, envelope.SourceQueue)
	assert.Contains(t, envelope.Error, "bookings unavailable")
	assert.Equal(t, 0, worker.RetryCount(msg.Headers))

	stored := h.store.log(t, log.LogID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, 4, stored.Steps.UpdateBooking.Attempts)
	assert.Equal(t, []string{EventPaymentDeadLettered}, h.webhooks.Events())
	assert.Zero(t, h.store.paidCount())
}

func TestRetriedJobSettlesAfterRecovery(t *testing.T) {
	h := newHarness(t)
	log := h.seedPayment(t, "bk_1")
	h.store.setBookingErr(apierror.NewAPIError(apierror.ErrTransientIO, "bookings unavailable", nil))

	recovered := make(chan struct{})
	h.settle.retrySleep = func(ctx context.Context, d time.Duration) {
		h.store.setBookingErr(nil)
		close(recovered)
	}

	w := h.settle.NewPaymentWorker()
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	_, err := h.settle.publisher.Publish(context.Background(), paymentQueue, model.PaymentJob{LogID: log.LogID})
	require.NoError(t, err)

	<-recovered
	waitFor(t, func() bool { return h.store.log(t, log.LogID).Steps.UpdateBooking.Succeeded() }, "retry never settled")

	stored := h.store.log(t, log.LogID)
	assert.Equal(t, 2, stored.Steps.UpdateBooking.Attempts)
	assert.Nil(t, stored.Steps.UpdateBooking.LastError)
	assert.Len(t, decodeMailJobs(t, h), 1)
	assert.Empty(t, h.broker.Messages(model.DLQName(paymentQueue)))
}
