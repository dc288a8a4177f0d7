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
	"sync"
	"testing"
	"time"

	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/provider"
	"github.com/blnkfinance/settle/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubQuerier answers with a fixed MOMO resultCode per correlation id.
type stubQuerier struct {
	mu      sync.Mutex
	codes   map[string]int
	errs    map[string]error
	queried []string
}

func (q *stubQuerier) QueryStatus(_ context.Context, correlationID string) (*provider.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queried = append(q.queried, correlationID)
	if err := q.errs[correlationID]; err != nil {
		return nil, err
	}
	return &provider.Result{
		Provider:      model.ProviderMomo,
		CorrelationID: correlationID,
		Raw:           map[string]interface{}{"orderId": correlationID, "resultCode": float64(q.codes[correlationID])},
	}, nil
}

func (q *stubQuerier) IsSuccess(r *provider.Result) bool {
	return provider.IsSuccess(r.Provider, r.Raw)
}

func (q *stubQuerier) Queried() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queried...)
}

// stuckPayment seeds a MOMO log created age ago for an unpaid booking.
func (h *harness) stuckPayment(t *testing.T, bookingID string, age time.Duration) *model.PaymentLog {
	t.Helper()
	h.store.addBooking(&model.Booking{BookingID: bookingID, UserID: "user_1"})
	log := model.NewPaymentLog(model.ProviderMomo, bookingID, decimal.NewFromInt(50000), map[string]interface{}{"orderId": "ord_" + bookingID})
	log.CreatedAt = time.Now().Add(-age)
	h.store.addLog(log)
	return log
}

func TestSweepRecoversConfirmedPayments(t *testing.T) {
	h := newHarness(t)
	q := &stubQuerier{codes: map[string]int{"ord_bk_ok": 0, "ord_bk_pending": 1006}}
	h.registry.Register(model.ProviderMomo, q, nil)

	ok := h.stuckPayment(t, "bk_ok", time.Hour)
	pending := h.stuckPayment(t, "bk_pending", time.Hour)
	fresh := h.stuckPayment(t, "bk_fresh", 5*time.Minute)
	old := h.stuckPayment(t, "bk_old", 48*time.Hour)

	report, err := NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 1, report.Pending)
	assert.Zero(t, report.Errors)
	assert.Equal(t, 2, report.ByProvider[model.ProviderMomo])
	assert.ElementsMatch(t, []string{"ord_bk_ok", "ord_bk_pending"}, q.Queried())

	assert.True(t, h.store.booking(t, "bk_ok").IsPaid)
	recovered := h.store.log(t, ok.LogID)
	assert.True(t, recovered.Steps.UpdateBooking.Succeeded())
	assert.Contains(t, recovered.RawData, "lastQuery")
	jobs := decodeMailJobs(t, h)
	require.Len(t, jobs, 1)
	assert.Equal(t, ok.LogID, jobs[0].LogID)

	assert.False(t, h.store.booking(t, "bk_pending").IsPaid)
	assert.Equal(t, model.StatusPending, h.store.log(t, pending.LogID).Status)
	assert.Contains(t, h.store.log(t, pending.LogID).RawData, "lastQuery")

	for _, l := range []*model.PaymentLog{fresh, old} {
		assert.NotContains(t, h.store.log(t, l.LogID).RawData, "lastQuery")
	}
}

func TestSweepIsolatesItemErrors(t *testing.T) {
	h := newHarness(t)
	q := &stubQuerier{
		codes: map[string]int{"ord_bk_2": 0},
		errs:  map[string]error{"ord_bk_1": errors.New("gateway timeout")},
	}
	h.registry.Register(model.ProviderMomo, q, nil)
	h.stuckPayment(t, "bk_1", time.Hour)
	h.stuckPayment(t, "bk_2", time.Hour)

	report, err := NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Recovered)
	assert.True(t, h.store.booking(t, "bk_2").IsPaid)
}

func TestSweepAlreadyPaidBookingIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(model.ProviderMomo, &stubQuerier{codes: map[string]int{"ord_bk_1": 0}}, nil)
	log := h.stuckPayment(t, "bk_1", time.Hour)
	require.NoError(t, h.store.MarkBookingPaid(context.Background(), "bk_1", model.ProviderMomo, time.Now()))

	report, err := NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.True(t, h.store.log(t, log.LogID).Steps.UpdateBooking.Succeeded())
	assert.Len(t, decodeMailJobs(t, h), 1)
}

func TestSweepRepublishesMissingMailJob(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(model.ProviderMomo, &stubQuerier{codes: map[string]int{"ord_bk_1": 0}}, nil)
	log := h.stuckPayment(t, "bk_1", time.Hour)
	log.Steps.UpdateBooking.MarkSuccess()
	h.store.addLog(log)

	report, err := NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, h.store.paidCount())
	assert.Len(t, decodeMailJobs(t, h), 1)
}

func TestSweepSkipsProvidersWithoutQuerier(t *testing.T) {
	h := newHarness(t)
	h.stuckPayment(t, "bk_1", time.Hour)

	report, err := NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestSweepHoldsGlobalLock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.redis.Set(redlock.SweepKey(), "another-instance"))

	_, err := NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	h.redis.Del(redlock.SweepKey())
	_, err = NewReconciliationSweeper(h.settle).SweepNow(context.Background())
	require.NoError(t, err)
	assert.False(t, h.redis.Exists(redlock.SweepKey()))
}

func TestSweeperStartStop(t *testing.T) {
	h := newHarness(t)
	sweeper := NewReconciliationSweeper(h.settle)
	assert.False(t, sweeper.IsRunning())

	sweeper.Start(context.Background())
	sweeper.Start(context.Background())
	assert.True(t, sweeper.IsRunning())

	sweeper.Stop()
	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
}
