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
	"sync"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/provider"
	"github.com/blnkfinance/settle/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var ErrSweepInProgress = errors.New("a reconciliation sweep is already running")

// SweepReport counts what one sweep did, per outcome.
type SweepReport struct {
	Checked    int                    `json:"checked"`
	Recovered  int                    `json:"recovered"`
	Pending    int                    `json:"pending"`
	Skipped    int                    `json:"skipped"`
	Errors     int                    `json:"errors"`
	ByProvider map[model.Provider]int `json:"byProvider"`
	StartedAt  time.Time              `json:"startedAt"`
	Duration   time.Duration          `json:"duration"`
}

// ReconciliationSweeper finds payment logs whose callback never arrived and
// asks the gateway what happened. Confirmed payments go through the same
// settlement path as the payment worker.
type ReconciliationSweeper struct {
	settle         *Settle
	interval       time.Duration
	lookback       time.Duration
	callbackWindow time.Duration
	batchSize      int
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewReconciliationSweeper(s *Settle) *ReconciliationSweeper {
	cfg := config.ReconciliationConfig{IntervalSec: 600, LookbackHours: 24, CallbackWindowMin: 15, BatchSize: 100}
	if c, err := config.Fetch(); err == nil {
		cfg = c.Reconciliation
	}

	return &ReconciliationSweeper{
		settle:         s,
		interval:       cfg.Interval(),
		lookback:       cfg.Lookback(),
		callbackWindow: cfg.CallbackWindow(),
		batchSize:      cfg.BatchSize,
		stopCh:         make(chan struct{}),
	}
}

func (r *ReconciliationSweeper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.Infof("Reconciliation sweeper started (interval=%v)", r.interval)
}

func (r *ReconciliationSweeper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Reconciliation sweeper stopped")
}

func (r *ReconciliationSweeper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *ReconciliationSweeper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Reconciliation sweeper context cancelled")
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			report, err := r.SweepNow(ctx)
			if err != nil {
				if errors.Is(err, ErrSweepInProgress) {
					logrus.Debug("reconciliation sweep skipped: another instance is sweeping")
					continue
				}
				logrus.Errorf("reconciliation sweep failed: %v", err)
				continue
			}
			logrus.Infof("reconciliation sweep checked=%d recovered=%d pending=%d errors=%d",
				report.Checked, report.Recovered, report.Pending, report.Errors)
		}
	}
}

// SweepNow runs one sweep over every provider with a querier. A sweep already
// running elsewhere yields ErrSweepInProgress.
func (r *ReconciliationSweeper) SweepNow(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{ByProvider: map[model.Provider]int{}, StartedAt: r.settle.now()}
	sweep := func(ctx context.Context) error {
		for _, p := range model.Providers {
			r.sweepProvider(ctx, p, report)
		}
		return nil
	}

	var err error
	if r.settle.redis == nil {
		err = sweep(ctx)
	} else {
		locker := redlock.NewLocker(r.settle.redis, redlock.SweepKey(), uuid.NewString())
		err = locker.Do(ctx, r.interval, sweep)
		if errors.Is(err, redlock.ErrLockHeld) {
			err = ErrSweepInProgress
		}
	}
	report.Duration = r.settle.now().Sub(report.StartedAt)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (r *ReconciliationSweeper) sweepProvider(ctx context.Context, p model.Provider, report *SweepReport) {
	ctx, span := otel.Tracer("settle.reconciliation").Start(ctx, "Sweep "+string(p))
	defer span.End()

	querier, ok := r.settle.providers.Querier(p)
	if !ok {
		return
	}

	now := r.settle.now()
	logs, err := r.settle.datasource.GetStuckPaymentLogs(ctx, p, now.Add(-r.lookback), now.Add(-r.callbackWindow), r.batchSize)
	if err != nil {
		logrus.Errorf("reconciliation: cannot list stuck %s payment logs: %v", p, err)
		report.Errors++
		return
	}

	for _, stuck := range logs {
		report.Checked++
		report.ByProvider[p]++
		outcome, err := r.reconcile(ctx, querier, stuck.LogID)
		if err != nil {
			logrus.Errorf("reconciliation: payment log %s: %v", stuck.LogID, err)
			report.Errors++
			continue
		}
		switch outcome {
		case outcomeRecovered:
			report.Recovered++
		case outcomePending:
			report.Pending++
		default:
			report.Skipped++
		}
	}
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomePending
	outcomeRecovered
)

// reconcile re-reads the log, since a callback may have settled it after the
// batch was listed.
func (r *ReconciliationSweeper) reconcile(ctx context.Context, querier provider.Querier, logID string) (sweepOutcome, error) {
	log, err := r.settle.datasource.GetPaymentLog(ctx, logID)
	if err != nil {
		return outcomeSkipped, err
	}
	if log.Status == model.StatusSuccess {
		return outcomeSkipped, nil
	}
	correlationID := log.CorrelationID()
	if correlationID == "" {
		return outcomeSkipped, nil
	}

	result, err := querier.QueryStatus(ctx, correlationID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("query %s status: %w", log.Provider, err)
	}
	log.RawData["lastQuery"] = result.Raw
	if !querier.IsSuccess(result) {
		if err := r.settle.datasource.UpdatePaymentLog(ctx, log); err != nil {
			return outcomeSkipped, err
		}
		return outcomePending, nil
	}

	if !log.Steps.UpdateBooking.Succeeded() {
		if err := r.settle.completeBookingPayment(ctx, log); err != nil {
			if apierror.IsInvalidState(err) {
				r.settle.recordBenignFailure(ctx, log, err)
				return outcomeSkipped, nil
			}
			return outcomeSkipped, err
		}
	} else if err := r.settle.datasource.UpdatePaymentLog(ctx, log); err != nil {
		return outcomeSkipped, err
	}

	if !log.Steps.SendMail.Succeeded() {
		if err := r.settle.enqueue(ctx, r.settle.queues.MailQueue, model.MailJob{LogID: log.LogID}); err != nil {
			return outcomeSkipped, err
		}
	}
	return outcomeRecovered, nil
}
