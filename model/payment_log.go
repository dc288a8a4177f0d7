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
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wacul/ptr"
)

type Provider string

const (
	ProviderMomo    Provider = "MOMO"
	ProviderZaloPay Provider = "ZALOPAY"
	ProviderVNPay   Provider = "VNPAY"
)

// Providers lists every payment gateway the pipeline settles for.
var Providers = []Provider{ProviderMomo, ProviderZaloPay, ProviderVNPay}

// ParseProvider maps a case-insensitive gateway name onto a Provider.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToUpper(strings.TrimSpace(name)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown payment provider %q", name)
}

const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// ErrStepRegression is returned when a caller tries to move a step out of SUCCESS.
var ErrStepRegression = errors.New("step already succeeded")

// ErrIncompleteSteps is returned when a log is marked SUCCESS before both steps are.
var ErrIncompleteSteps = errors.New("payment log steps are not all successful")

type Step struct {
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"lastError"`
}

type Steps struct {
	UpdateBooking Step `json:"updateBooking"`
	SendMail      Step `json:"sendMail"`
}

type PaymentLog struct {
	ID        int64                  `json:"-"`
	LogID     string                 `json:"log_id"`
	Provider  Provider               `json:"provider"`
	BookingID string                 `json:"booking_id"`
	Amount    decimal.Decimal        `json:"amount"`
	RawData   map[string]interface{} `json:"raw_data"`
	Status    string                 `json:"status"`
	Steps     Steps                  `json:"steps"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewPaymentLog returns a PENDING log with both steps pending.
func NewPaymentLog(provider Provider, bookingID string, amount decimal.Decimal, raw map[string]interface{}) *PaymentLog {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	now := time.Now()
	return &PaymentLog{
		LogID:     GenerateUUIDWithSuffix("plog"),
		Provider:  provider,
		BookingID: bookingID,
		Amount:    amount,
		RawData:   raw,
		Status:    StatusPending,
		Steps: Steps{
			UpdateBooking: Step{Status: StatusPending},
			SendMail:      Step{Status: StatusPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Step) Succeeded() bool {
	return s.Status == StatusSuccess
}

// MarkSuccess records a successful attempt and clears the last error. It is a
// no-op on a step that already succeeded.
func (s *Step) MarkSuccess() {
	if s.Succeeded() {
		return
	}
	s.Status = StatusSuccess
	s.Attempts++
	s.LastError = nil
}

// MarkFailure records a failed attempt. A step that already succeeded is left
// untouched and ErrStepRegression is returned.
func (s *Step) MarkFailure(cause error) error {
	if s.Succeeded() {
		return ErrStepRegression
	}
	s.Status = StatusFailed
	s.Attempts++
	if cause != nil {
		s.LastError = ptr.String(cause.Error())
	}
	return nil
}

// Settled reports whether both steps finished successfully.
func (p *PaymentLog) Settled() bool {
	return p.Steps.UpdateBooking.Succeeded() && p.Steps.SendMail.Succeeded()
}

// Complete moves the log to SUCCESS. It refuses while any step is unfinished.
func (p *PaymentLog) Complete() error {
	if !p.Settled() {
		return ErrIncompleteSteps
	}
	p.Status = StatusSuccess
	return nil
}

// CorrelationID returns the gateway order reference stored in RawData.
func (p *PaymentLog) CorrelationID() string {
	key := p.Provider.CorrelationField()
	if v, ok := p.RawData[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// CorrelationField names the RawData key each gateway uses for its order reference.
func (p Provider) CorrelationField() string {
	switch p {
	case ProviderMomo:
		return "orderId"
	case ProviderZaloPay:
		return "app_trans_id"
	case ProviderVNPay:
		return "vnp_TxnRef"
	}
	return "orderId"
}
